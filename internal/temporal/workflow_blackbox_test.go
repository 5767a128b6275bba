package temporal

import (
	"context"
	"sync"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/testsuite"

	"claim-orchestrator/internal/agents"
	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/engine"
	"claim-orchestrator/internal/extract"
	"claim-orchestrator/internal/logger"
	"claim-orchestrator/internal/notify"
	"claim-orchestrator/internal/storage"
	"claim-orchestrator/internal/suspend"
)

// verdictAgents gives every agent a fixed verdict.
type verdictAgents struct {
	fraudScore float64
}

func (v verdictAgents) Evaluate(_ context.Context, agent domain.AgentID, _ agents.Input, _ bool) (domain.AgentResult, error) {
	switch agent {
	case domain.AgentSummarization:
		return domain.AgentResult{Agent: agent, Decision: domain.DecisionContinue, Confidence: 0.9, Rationale: "ok",
			Findings: domain.Findings{Summary: "Windscreen cracked by road debris."}}, nil
	case domain.AgentFraud:
		score := v.fraudScore
		return domain.AgentResult{Agent: agent, Decision: domain.DecisionContinue, Confidence: 0.9, Rationale: "ok",
			Findings: domain.Findings{FraudScore: &score}}, nil
	default:
		payout := 300.0
		return domain.AgentResult{Agent: agent, Decision: domain.DecisionApprove, Confidence: 0.9, Rationale: "covered",
			Findings: domain.Findings{PayoutAmount: &payout}}, nil
	}
}

type reviewInbox struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (r *reviewInbox) NotifyReview(_ context.Context, req notify.ReviewRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[req.ClaimID] = req.ContinuationToken
	return nil
}

func (r *reviewInbox) NotifyExpired(context.Context, notify.ExpiryAlert) error { return nil }

type transitionTrace struct {
	mu          sync.Mutex
	transitions []engine.Transition
}

var _ = Describe("ClaimWorkflow blackbox", func() {
	var (
		store *storage.MemoryStore
		inbox *reviewInbox
		trace *transitionTrace
		eng   *engine.Engine
	)

	newEnv := func() *testsuite.TestWorkflowEnvironment {
		var suite testsuite.WorkflowTestSuite
		env := suite.NewTestWorkflowEnvironment()
		env.RegisterWorkflow(ClaimWorkflow)
		env.RegisterActivity(&Activities{Engine: eng})
		env.SetOnActivityCompletedListener(func(info *activity.Info, result converter.EncodedValue, _ error) {
			if info.ActivityType.Name != "AdvanceClaimActivity" {
				return
			}
			var tr engine.Transition
			_ = result.Get(&tr)
			trace.mu.Lock()
			trace.transitions = append(trace.transitions, tr)
			trace.mu.Unlock()
		})
		return env
	}

	build := func(fraudScore float64) {
		store = storage.NewMemoryStore()
		inbox = &reviewInbox{tokens: make(map[string]string)}
		trace = &transitionTrace{}
		log := logger.Discard()
		eng = engine.New(engine.Deps{
			Store:     store,
			Agents:    verdictAgents{fraudScore: fraudScore},
			Extractor: extract.Passthrough{},
			Gateway:   suspend.NewGateway(store, inbox, "http://orchestrator.local/v1/resume", log),
			Logger:    log,
		}, engine.DefaultConfig())
	}

	startClaim := func(amount float64) string {
		id := uuid.NewString()
		res, err := eng.Start(context.Background(), domain.Claim{
			ID:           id,
			Amount:       amount,
			Jurisdiction: "NY",
			Documents:    []domain.Document{{ID: "d1", Type: domain.DocumentPhoto, Locator: "windscreen photo"}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(engine.StartAccepted))
		return id
	}

	It("drives a clean claim from intake to an approved payout", func() {
		build(0.05)
		id := startClaim(800)

		By("running the workflow for the claim")
		env := newEnv()
		env.ExecuteWorkflow(ClaimWorkflow, WorkflowInput{ClaimID: id})
		Expect(env.IsWorkflowCompleted()).To(BeTrue())
		Expect(env.GetWorkflowError()).ToNot(HaveOccurred())

		var result WorkflowResult
		Expect(env.GetWorkflowResult(&result)).To(Succeed())
		Expect(result.Done).To(BeTrue())
		Expect(result.State).To(Equal(domain.StateFinalize))

		By("checking the transitions the activity reported")
		var path []domain.State
		for _, tr := range trace.transitions {
			Expect(tr.Applied).To(BeTrue())
			path = append(path, tr.Next)
		}
		Expect(path).To(Equal([]domain.State{
			domain.StateSummarize,
			domain.StateRoute,
			domain.StateFraudCheck,
			domain.StateAdjudicate,
			domain.StateEvaluate,
			domain.StateFinalize,
			domain.StateFinalize,
		}))

		claim, err := store.GetClaim(context.Background(), id)
		Expect(err).ToNot(HaveOccurred())
		Expect(claim.Status).To(Equal(domain.StatusApproved))
		Expect(claim.Closed()).To(BeTrue())
	})

	It("parks a suspicious claim and finishes it in a second run after resume", func() {
		build(0.9)
		id := startClaim(800)

		env := newEnv()
		env.ExecuteWorkflow(ClaimWorkflow, WorkflowInput{ClaimID: id})
		Expect(env.GetWorkflowError()).ToNot(HaveOccurred())
		var first WorkflowResult
		Expect(env.GetWorkflowResult(&first)).To(Succeed())
		Expect(first.Suspended).To(BeTrue())
		Expect(first.State).To(Equal(domain.StateHumanReview))

		inbox.mu.Lock()
		token := inbox.tokens[id]
		inbox.mu.Unlock()
		Expect(token).ToNot(BeEmpty())
		Expect(eng.Resume(context.Background(), token, domain.ReviewApprove)).To(Succeed())

		By("starting the continuation as a new workflow run")
		env = newEnv()
		env.ExecuteWorkflow(ClaimWorkflow, WorkflowInput{ClaimID: id})
		Expect(env.GetWorkflowError()).ToNot(HaveOccurred())
		var second WorkflowResult
		Expect(env.GetWorkflowResult(&second)).To(Succeed())
		Expect(second.Done).To(BeTrue())
		Expect(second.Steps).To(Equal(1))

		claim, err := store.GetClaim(context.Background(), id)
		Expect(err).ToNot(HaveOccurred())
		Expect(claim.Status).To(Equal(domain.StatusApproved))
		Expect(claim.ReviewDecision).To(Equal(domain.ReviewApprove))
	})
})
