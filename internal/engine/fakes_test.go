package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"claim-orchestrator/internal/agents"
	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/events"
	"claim-orchestrator/internal/logger"
	"claim-orchestrator/internal/notify"
	"claim-orchestrator/internal/storage"
	"claim-orchestrator/internal/suspend"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type reply struct {
	result domain.AgentResult
	err    error
	before func()
}

type agentCall struct {
	agent  domain.AgentID
	input  agents.Input
	strict bool
}

// scriptedAgents answers each agent from its own queue of replies. The last
// reply repeats once the queue runs out.
type scriptedAgents struct {
	mu      sync.Mutex
	replies map[domain.AgentID][]reply
	calls   []agentCall
}

func newScriptedAgents() *scriptedAgents {
	return &scriptedAgents{replies: make(map[domain.AgentID][]reply)}
}

func (s *scriptedAgents) script(agent domain.AgentID, replies ...reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[agent] = replies
}

func (s *scriptedAgents) Evaluate(_ context.Context, agent domain.AgentID, in agents.Input, strict bool) (domain.AgentResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, agentCall{agent: agent, input: in, strict: strict})
	queue := s.replies[agent]
	if len(queue) == 0 {
		s.mu.Unlock()
		return domain.AgentResult{}, fmt.Errorf("no reply scripted for %s", agent)
	}
	r := queue[0]
	if len(queue) > 1 {
		s.replies[agent] = queue[1:]
	}
	s.mu.Unlock()

	if r.before != nil {
		r.before()
	}
	return r.result, r.err
}

func (s *scriptedAgents) callsFor(agent domain.AgentID) []agentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentCall
	for _, c := range s.calls {
		if c.agent == agent {
			out = append(out, c)
		}
	}
	return out
}

type fakeExtractor struct {
	confidence float64
	err        error
	gate       chan struct{}
	calls      atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, claimID string, doc domain.Document) (domain.DocumentExtract, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.DocumentExtract{}, ctx.Err()
		}
	}
	if f.err != nil {
		return domain.DocumentExtract{}, f.err
	}
	return domain.DocumentExtract{
		ClaimID:     claimID,
		DocumentID:  doc.ID,
		TextLocator: "extracts/" + claimID + "/" + doc.ID + ".txt",
		Extractor:   "fake",
		Confidence:  f.confidence,
	}, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	reviews []notify.ReviewRequest
	expired []notify.ExpiryAlert
}

func (n *recordingNotifier) NotifyReview(_ context.Context, req notify.ReviewRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reviews = append(n.reviews, req)
	return nil
}

func (n *recordingNotifier) NotifyExpired(_ context.Context, alert notify.ExpiryAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, alert)
	return nil
}

func (n *recordingNotifier) tokenFor(claimID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.reviews) - 1; i >= 0; i-- {
		if n.reviews[i].ClaimID == claimID {
			return n.reviews[i].ContinuationToken
		}
	}
	return ""
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (b *memBlobs) PutObject(_ context.Context, key string, content []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), content...)
	return "s3://claims/" + key, nil
}

func (b *memBlobs) get(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[key]
	return v, ok
}

func (b *memBlobs) keys(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, claimID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, claimID)
	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	store      *storage.MemoryStore
	agents     *scriptedAgents
	extractor  *fakeExtractor
	notifier   *recordingNotifier
	blobs      *memBlobs
	clock      *fakeClock
	sleeps     *sleepRecorder
	dispatcher *recordingDispatcher
	engine     *Engine
}

func newHarness() *harness {
	h := &harness{
		store:      storage.NewMemoryStore(),
		agents:     newScriptedAgents(),
		extractor:  &fakeExtractor{confidence: 0.95},
		notifier:   &recordingNotifier{},
		blobs:      newMemBlobs(),
		clock:      newFakeClock(),
		sleeps:     &sleepRecorder{},
		dispatcher: &recordingDispatcher{},
	}
	h.engine = h.build(h.agents)
	return h
}

// build wires an engine over the harness collaborators with a different
// agents implementation.
func (h *harness) build(a Agents) *Engine {
	log := logger.Discard()
	gateway := suspend.NewGateway(h.store, h.notifier, "http://orchestrator.local/v1/resume", log).WithClock(h.clock.Now)
	return New(Deps{
		Store:     h.store,
		Agents:    a,
		Extractor: h.extractor,
		Gateway:   gateway,
		Blobs:     h.blobs,
		Events:    events.NewPublisher(h.blobs, log),
		Logger:    log,
	}, DefaultConfig(),
		WithClock(h.clock.Now),
		WithSleep(h.sleeps.sleep),
		WithRand(func() float64 { return 0.5 }),
		WithDispatcher(h.dispatcher),
	)
}

func (h *harness) claim(id string) domain.Claim {
	c, err := h.store.GetClaim(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return c
}

func (h *harness) steps(id string) []domain.StepRecord {
	recs, err := h.store.ListSteps(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return recs
}

func (h *harness) stepsFor(id string, step domain.Step) []domain.StepRecord {
	var out []domain.StepRecord
	for _, r := range h.steps(id) {
		if r.Step == step {
			out = append(out, r)
		}
	}
	return out
}

func newClaim(amount float64) domain.Claim {
	return domain.Claim{
		ID:           uuid.NewString(),
		Amount:       amount,
		Jurisdiction: "CA",
		Description:  "Rear-end collision at low speed, bumper and tail light damaged.",
		Documents: []domain.Document{
			{ID: "doc-1", Type: domain.DocumentIntakeForm, Locator: "s3://claims/intake/form.pdf", MIMEType: "application/pdf", PageCount: 2},
			{ID: "doc-2", Type: domain.DocumentEstimate, Locator: "s3://claims/intake/estimate.pdf", MIMEType: "application/pdf", PageCount: 1},
		},
	}
}

func ptr(v float64) *float64 { return &v }

func summaryResult() domain.AgentResult {
	return domain.AgentResult{
		Agent:      domain.AgentSummarization,
		Decision:   domain.DecisionContinue,
		Confidence: 0.9,
		Rationale:  "documents are consistent",
		Findings:   domain.Findings{Summary: "Low speed rear-end collision with bumper damage."},
	}
}

func fraudResult(decision domain.AgentDecision, score float64) domain.AgentResult {
	return domain.AgentResult{
		Agent:      domain.AgentFraud,
		Decision:   decision,
		Confidence: 0.8,
		Rationale:  "fraud screening",
		Findings:   domain.Findings{FraudScore: ptr(score)},
	}
}

func adjudicationResult(decision domain.AgentDecision, confidence float64, payout *float64) domain.AgentResult {
	res := domain.AgentResult{
		Agent:      domain.AgentAdjudication,
		Decision:   decision,
		Confidence: confidence,
		Rationale:  "policy covers collision damage",
	}
	if decision == domain.DecisionApprove {
		res.Findings.PayoutAmount = payout
	}
	if decision == domain.DecisionDeny {
		reason := "not covered"
		res.Findings.DenialReason = &reason
	}
	return res
}

// scriptHappyPath makes every agent agree to pay out.
func (h *harness) scriptHappyPath(payout float64) {
	h.agents.script(domain.AgentSummarization, reply{result: summaryResult()})
	h.agents.script(domain.AgentFraud, reply{result: fraudResult(domain.DecisionContinue, 0.1)})
	h.agents.script(domain.AgentAdjudication, reply{result: adjudicationResult(domain.DecisionApprove, 0.9, ptr(payout))})
}

func decodeJSON[T any](raw []byte) T {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		panic(err)
	}
	return v
}

// stubInvoker returns canned model text in order and records each request.
type stubInvoker struct {
	mu        sync.Mutex
	responses []string
	requests  []agents.Request
}

func (s *stubInvoker) Invoke(_ context.Context, req agents.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return "", fmt.Errorf("no response left")
	}
	out := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return out, nil
}

func (s *stubInvoker) Name() string { return "stub" }
