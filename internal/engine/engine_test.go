package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"claim-orchestrator/internal/agents"
	"claim-orchestrator/internal/classify"
	"claim-orchestrator/internal/domain"
	"claim-orchestrator/internal/logger"
)

var _ = Describe("Engine", func() {
	var (
		ctx context.Context
		h   *harness
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()
	})

	start := func(c domain.Claim) {
		GinkgoHelper()
		res, err := h.engine.Start(ctx, c)
		Expect(err).ToNot(HaveOccurred())
		Expect(res).To(Equal(StartAccepted))
	}

	run := func(id string) Transition {
		GinkgoHelper()
		tr, err := h.engine.Run(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		return tr
	}

	Describe("happy path", func() {
		It("approves a small clean claim and records every step once", func() {
			h.scriptHappyPath(450)
			c := newClaim(500)
			start(c)
			Expect(h.dispatcher.dispatched()).To(Equal([]string{c.ID}))

			tr := run(c.ID)
			Expect(tr.Done).To(BeTrue())
			Expect(tr.Next).To(Equal(domain.StateFinalize))

			stored := h.claim(c.ID)
			Expect(stored.Status).To(Equal(domain.StatusApproved))
			Expect(stored.Closed()).To(BeTrue())
			Expect(stored.ReviewReasons).To(BeEmpty())

			By("recording one SUCCEEDED row per step in pipeline order")
			var order []domain.Step
			for _, r := range h.steps(c.ID) {
				Expect(r.Status).To(Equal(domain.StepSucceeded))
				order = append(order, r.Step)
			}
			Expect(order).To(Equal([]domain.Step{"EXTRACT", "SUMMARIZE", "ROUTE", "FRAUD_CHECK", "ADJUDICATE", "EVALUATE", "FINALIZE"}))

			By("handing the fraud result to adjudication")
			adj := h.agents.callsFor(domain.AgentAdjudication)
			Expect(adj).To(HaveLen(1))
			Expect(adj[0].input.Prior).To(HaveLen(1))
			Expect(adj[0].input.Prior[0].Agent).To(Equal(domain.AgentFraud))
			Expect(adj[0].input.Extracts).To(HaveLen(2))
			Expect(adj[0].input.Summary).To(Equal("Low speed rear-end collision with bumper damage."))

			By("storing the summary and publishing the outcome")
			summary, ok := h.blobs.get("summaries/" + c.ID + ".txt")
			Expect(ok).To(BeTrue())
			Expect(string(summary)).To(ContainSubstring("rear-end"))

			raw, ok := h.blobs.get("events/decisions/" + c.ID + ".json")
			Expect(ok).To(BeTrue())
			ev := decodeJSON[domain.DecisionEvent](raw)
			Expect(ev.Status).To(Equal(domain.StatusApproved))
			Expect(ev.PayoutAmount).ToNot(BeNil())
			Expect(*ev.PayoutAmount).To(BeNumerically("==", 450))

			raw, ok = h.blobs.get("audit/" + c.ID + ".json")
			Expect(ok).To(BeTrue())
			audit := decodeJSON[domain.AuditRecord](raw)
			Expect(audit.Status).To(Equal(domain.StatusApproved))
			Expect(audit.Steps).To(HaveLen(7))
		})

		It("ignores a start for a claim that already exists", func() {
			h.scriptHappyPath(100)
			c := newClaim(100)
			start(c)

			res, err := h.engine.Start(ctx, c)
			Expect(err).ToNot(HaveOccurred())
			Expect(res).To(Equal(StartIgnored))
			Expect(h.dispatcher.dispatched()).To(HaveLen(1))
		})

		It("rejects a claim that breaks the intake rules", func() {
			c := newClaim(100)
			c.ID = "not-a-uuid"
			c.Jurisdiction = ""

			_, err := h.engine.Start(ctx, c)
			Expect(err).To(MatchError(ErrInvalidClaim))
			Expect(err.Error()).To(ContainSubstring("claim.id_uuid"))
			Expect(err.Error()).To(ContainSubstring("claim.jurisdiction_required"))
		})
	})

	Describe("idempotency", func() {
		It("collapses concurrent duplicate starts and advances into one execution", func() {
			h.scriptHappyPath(100)
			c := newClaim(100)

			const n = 8
			var wg sync.WaitGroup
			results := make([]StartResult, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], _ = h.engine.Start(ctx, c)
				}()
			}
			wg.Wait()
			accepted := 0
			for _, r := range results {
				if r == StartAccepted {
					accepted++
				}
			}
			Expect(accepted).To(Equal(1))
			Expect(h.dispatcher.dispatched()).To(HaveLen(1))

			stored := h.claim(c.ID)
			input := InputFor(stored)
			h.extractor.gate = make(chan struct{})

			type outcome struct {
				tr  Transition
				err error
			}
			outcomes := make([]outcome, n)
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					tr, err := h.engine.Advance(ctx, c.ID, domain.StateExtract, input)
					outcomes[i] = outcome{tr, err}
				}()
			}
			Eventually(h.extractor.calls.Load).Should(BeNumerically(">=", 1))
			close(h.extractor.gate)
			wg.Wait()

			applied := 0
			for _, o := range outcomes {
				Expect(o.err).ToNot(HaveOccurred())
				Expect(o.tr.Next).To(Equal(domain.StateSummarize))
				if o.tr.Applied {
					applied++
				}
			}
			Expect(applied).To(Equal(1))
			Expect(h.extractor.calls.Load()).To(BeNumerically("==", 2))

			stats := h.engine.IdempotencyStats()
			Expect(stats.Computes).To(BeNumerically("==", 1))
			Expect(stats.Hits).To(BeNumerically("==", n-1))

			recs := h.stepsFor(c.ID, domain.StateExtract.Step())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Status).To(Equal(domain.StepSucceeded))
		})

		It("reuses a step the ledger already completed after the cached result expired", func() {
			h.scriptHappyPath(100)
			c := newClaim(100)
			start(c)

			before := h.claim(c.ID)
			tr, err := h.engine.Advance(ctx, c.ID, domain.StateExtract, InputFor(before))
			Expect(err).ToNot(HaveOccurred())
			Expect(tr.Applied).To(BeTrue())

			By("rolling the claim back as if the state write had been lost")
			lost := h.claim(c.ID)
			lost.State = domain.StateExtract
			Expect(h.store.UpdateClaim(ctx, lost, domain.StateSummarize)).To(Succeed())
			h.clock.Advance(25 * time.Hour)

			tr, err = h.engine.Advance(ctx, c.ID, domain.StateExtract, InputFor(h.claim(c.ID)))
			Expect(err).ToNot(HaveOccurred())
			Expect(tr.Applied).To(BeFalse())
			Expect(tr.Next).To(Equal(domain.StateSummarize))
			Expect(h.extractor.calls.Load()).To(BeNumerically("==", 2))
			Expect(h.stepsFor(c.ID, domain.StateExtract.Step())).To(HaveLen(1))
		})

		It("answers a repeated trigger for a committed step with the cached result", func() {
			h.scriptHappyPath(100)
			c := newClaim(100)
			start(c)
			input := InputFor(h.claim(c.ID))

			first, err := h.engine.Advance(ctx, c.ID, domain.StateExtract, input)
			Expect(err).ToNot(HaveOccurred())
			Expect(first.Applied).To(BeTrue())
			Expect(first.Next).To(Equal(domain.StateSummarize))

			again, err := h.engine.Advance(ctx, c.ID, domain.StateExtract, input)
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Applied).To(BeFalse())
			Expect(again.Next).To(Equal(domain.StateSummarize))

			stats := h.engine.IdempotencyStats()
			Expect(stats.Computes).To(BeNumerically("==", 1))
			Expect(stats.Hits).To(BeNumerically("==", 1))
			Expect(h.claim(c.ID).State).To(Equal(domain.StateSummarize))
			Expect(h.stepsFor(c.ID, domain.StateExtract.Step())).To(HaveLen(1))
		})

		It("refuses to advance from a state the claim is not in", func() {
			c := newClaim(100)
			start(c)
			_, err := h.engine.Advance(ctx, c.ID, domain.StateRoute, StepInput{ClaimID: c.ID})
			Expect(err).To(MatchError(ErrStateMismatch))
		})
	})

	Describe("retries", func() {
		It("retries a throttled agent with growing backoff and then succeeds", func() {
			throttled := classify.Errorf(domain.CategoryThrottle, "rate limited")
			h.scriptHappyPath(100)
			h.agents.script(domain.AgentFraud,
				reply{err: throttled},
				reply{err: throttled},
				reply{result: fraudResult(domain.DecisionContinue, 0.1)},
			)
			c := newClaim(100)
			start(c)
			Expect(run(c.ID).Next).To(Equal(domain.StateFinalize))

			recs := h.stepsFor(c.ID, domain.StateFraudCheck.Step())
			Expect(recs).To(HaveLen(3))
			Expect(recs[0].Status).To(Equal(domain.StepRetrying))
			Expect(recs[1].Status).To(Equal(domain.StepRetrying))
			Expect(recs[2].Status).To(Equal(domain.StepSucceeded))
			Expect(*recs[0].ErrorCategory).To(Equal(domain.CategoryThrottle))
			Expect([]int{recs[0].Attempt, recs[1].Attempt, recs[2].Attempt}).To(Equal([]int{1, 2, 3}))
			Expect(recs[0].BackoffMS).To(BeNumerically("==", 2250))
			Expect(recs[1].BackoffMS).To(BeNumerically(">=", recs[0].BackoffMS))
			Expect(h.sleeps.recorded()).To(Equal([]time.Duration{2250 * time.Millisecond, 4500 * time.Millisecond}))
		})

		It("quarantines on invalid input without retrying and publishes a failure event", func() {
			h.extractor.err = classify.Errorf(domain.CategoryInvalidInput, "unreadable document")
			c := newClaim(100)
			start(c)

			tr := run(c.ID)
			Expect(tr.Next).To(Equal(domain.StateError))
			Expect(tr.Done).To(BeTrue())

			stored := h.claim(c.ID)
			Expect(stored.Status).To(Equal(domain.StatusFlagged))
			Expect(stored.Quarantine).ToNot(BeNil())
			Expect(stored.Quarantine.Category).To(Equal(domain.CategoryInvalidInput))
			Expect(stored.Quarantine.Step).To(Equal(domain.StateExtract.Step()))

			recs := h.stepsFor(c.ID, domain.StateExtract.Step())
			Expect(recs).To(HaveLen(1))
			Expect(recs[0].Status).To(Equal(domain.StepFailed))
			Expect(h.sleeps.recorded()).To(BeEmpty())

			raw, ok := h.blobs.get("events/failures/" + c.ID + "-EXTRACT.json")
			Expect(ok).To(BeTrue())
			ev := decodeJSON[domain.FailureEvent](raw)
			Expect(ev.Category).To(Equal(domain.CategoryInvalidInput))
		})

		It("quarantines after transient failures run out", func() {
			h.extractor.err = classify.Errorf(domain.CategoryTransient, "extraction service unavailable")
			c := newClaim(100)
			start(c)

			Expect(run(c.ID).Next).To(Equal(domain.StateError))
			recs := h.stepsFor(c.ID, domain.StateExtract.Step())
			Expect(recs).To(HaveLen(4))
			Expect(recs[3].Status).To(Equal(domain.StepFailed))
			Expect(h.sleeps.recorded()).To(HaveLen(3))
		})

		It("stops retrying a step after three retries even when the failure category changes", func() {
			transient := classify.Errorf(domain.CategoryTransient, "connection reset")
			throttled := classify.Errorf(domain.CategoryThrottle, "rate limited")
			h.scriptHappyPath(100)
			h.agents.script(domain.AgentFraud,
				reply{err: transient},
				reply{err: throttled},
				reply{err: transient},
				reply{err: throttled},
				reply{err: transient},
				reply{result: fraudResult(domain.DecisionContinue, 0.1)},
			)
			c := newClaim(100)
			start(c)

			tr := run(c.ID)
			Expect(tr.Next).To(Equal(domain.StateError))

			recs := h.stepsFor(c.ID, domain.StateFraudCheck.Step())
			Expect(recs).To(HaveLen(4))
			for _, r := range recs[:3] {
				Expect(r.Status).To(Equal(domain.StepRetrying))
			}
			Expect(recs[3].Status).To(Equal(domain.StepFailed))
			Expect(*recs[3].ErrorCategory).To(Equal(domain.CategoryThrottle))
			Expect(h.sleeps.recorded()).To(HaveLen(3))

			stored := h.claim(c.ID)
			Expect(stored.Quarantine).ToNot(BeNil())
			Expect(stored.Quarantine.Step).To(Equal(domain.StateFraudCheck.Step()))
		})

		It("retries a malformed agent reply once in strict mode and then asks a person", func() {
			invoker := &stubInvoker{responses: []string{
				`{"agent":"SUMMARIZATION","confidence":0.9,"rationale":"no decision given"}`,
			}}
			validator, err := agents.NewValidator()
			Expect(err).ToNot(HaveOccurred())
			runner := agents.NewRunner(invoker, validator, "test-model", time.Second, logger.Discard())
			h.engine = h.build(runner)

			c := newClaim(100)
			start(c)
			tr := run(c.ID)
			Expect(tr.Next).To(Equal(domain.StateHumanReview))
			Expect(tr.Suspended).To(BeTrue())

			stored := h.claim(c.ID)
			Expect(stored.ReviewReasons).To(ContainElement("UNRESOLVED_INTERNAL"))
			Expect(stored.Status).To(Equal(domain.StatusFlagged))

			recs := h.stepsFor(c.ID, domain.StateSummarize.Step())
			Expect(recs).To(HaveLen(2))
			Expect(recs[0].Status).To(Equal(domain.StepRetrying))
			Expect(*recs[0].ErrorCategory).To(Equal(domain.CategoryInternal))
			Expect(recs[1].Status).To(Equal(domain.StepFailed))

			Expect(invoker.requests).To(HaveLen(2))
			Expect(invoker.requests[0].SystemPrompt).ToNot(ContainSubstring("could not be parsed"))
			Expect(invoker.requests[1].SystemPrompt).To(ContainSubstring("could not be parsed"))
			Expect(h.notifier.tokenFor(c.ID)).ToNot(BeEmpty())
		})
	})

	Describe("routing", func() {
		It("sends a claim above the amount threshold straight to review", func() {
			h.scriptHappyPath(100)
			c := newClaim(12000)
			start(c)

			tr := run(c.ID)
			Expect(tr.Next).To(Equal(domain.StateHumanReview))
			Expect(tr.Suspended).To(BeTrue())

			stored := h.claim(c.ID)
			Expect(stored.ReviewReasons).To(Equal([]string{ReasonAmountOverThreshold}))
			Expect(h.agents.callsFor(domain.AgentFraud)).To(BeEmpty())
			Expect(h.agents.callsFor(domain.AgentAdjudication)).To(BeEmpty())
			Expect(h.stepsFor(c.ID, domain.StateFraudCheck.Step())).To(BeEmpty())
			Expect(h.stepsFor(c.ID, domain.StateAdjudicate.Step())).To(BeEmpty())

			token := h.notifier.tokenFor(c.ID)
			Expect(token).To(HaveLen(43))
			pending, err := h.engine.PendingReviews(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].SummaryRef).To(Equal("s3://claims/summaries/" + c.ID + ".txt"))
		})

		It("sends a continue verdict with a high fraud score to review", func() {
			h.scriptHappyPath(100)
			h.agents.script(domain.AgentFraud, reply{result: fraudResult(domain.DecisionContinue, 0.85)})
			c := newClaim(500)
			start(c)

			Expect(run(c.ID).Next).To(Equal(domain.StateHumanReview))
			Expect(h.claim(c.ID).ReviewReasons).To(Equal([]string{ReasonFraudScore}))
			Expect(h.agents.callsFor(domain.AgentAdjudication)).To(BeEmpty())
		})

		It("keeps re-running a suspended claim a no-op", func() {
			h.scriptHappyPath(100)
			c := newClaim(12000)
			start(c)
			run(c.ID)
			tr := run(c.ID)
			Expect(tr.Suspended).To(BeTrue())
			Expect(tr.Applied).To(BeFalse())
			Expect(h.notifier.reviews).To(HaveLen(1))
		})

		DescribeTable("agent verdicts",
			func(setup func(h *harness), extractConfidence float64, wantState domain.State, wantReason string) {
				h.scriptHappyPath(100)
				setup(h)
				h.extractor.confidence = extractConfidence
				c := newClaim(500)
				start(c)
				Expect(run(c.ID).Next).To(Equal(wantState))
				if wantReason != "" {
					Expect(h.claim(c.ID).ReviewReasons).To(ContainElement(wantReason))
				}
			},
			Entry("low extraction confidence", func(*harness) {}, 0.3, domain.StateHumanReview, ReasonLowExtractConfidence),
			Entry("fraud stop", func(h *harness) {
				h.agents.script(domain.AgentFraud, reply{result: fraudResult(domain.DecisionStop, 0.2)})
			}, 0.95, domain.StateRejected, ""),
			Entry("fraud escalation", func(h *harness) {
				h.agents.script(domain.AgentFraud, reply{result: fraudResult(domain.DecisionHITL, 0.3)})
			}, 0.95, domain.StateHumanReview, ReasonFraudEscalated),
			Entry("adjudication deny", func(h *harness) {
				h.agents.script(domain.AgentAdjudication, reply{result: adjudicationResult(domain.DecisionDeny, 0.9, nil)})
			}, 0.95, domain.StateRejected, ""),
			Entry("adjudication approve with low confidence", func(h *harness) {
				h.agents.script(domain.AgentAdjudication, reply{result: adjudicationResult(domain.DecisionApprove, 0.4, ptr(100))})
			}, 0.95, domain.StateHumanReview, ReasonLowConfidence),
			Entry("adjudication blocked", func(h *harness) {
				h.agents.script(domain.AgentAdjudication, reply{result: adjudicationResult(domain.DecisionBlocked, 0.9, nil)})
			}, 0.95, domain.StateHumanReview, ReasonAdjudicationBlocked),
			Entry("adjudication undecided", func(h *harness) {
				h.agents.script(domain.AgentAdjudication, reply{result: adjudicationResult(domain.DecisionHITL, 0.9, nil)})
			}, 0.95, domain.StateHumanReview, ReasonUndecided),
		)
	})

	Describe("resume", func() {
		var c domain.Claim

		BeforeEach(func() {
			h.scriptHappyPath(100)
			c = newClaim(12000)
			start(c)
			run(c.ID)
		})

		It("applies a reviewer decision exactly once", func() {
			token := h.notifier.tokenFor(c.ID)
			Expect(h.engine.Resume(ctx, token, domain.ReviewApprove)).To(Succeed())

			stored := h.claim(c.ID)
			Expect(stored.State).To(Equal(domain.StateFinalize))
			Expect(stored.Status).To(Equal(domain.StatusApproved))
			Expect(h.dispatcher.dispatched()).To(Equal([]string{c.ID, c.ID}))

			err := h.engine.Resume(ctx, token, domain.ReviewDeny)
			Expect(err).To(MatchError(ErrDuplicateResume))
			Expect(h.claim(c.ID).Status).To(Equal(domain.StatusApproved))

			tr := run(c.ID)
			Expect(tr.Done).To(BeTrue())
			Expect(h.claim(c.ID).Closed()).To(BeTrue())

			resumes := h.stepsFor(c.ID, domain.StepResume)
			Expect(resumes).To(HaveLen(1))
			Expect(resumes[0].Status).To(Equal(domain.StepSucceeded))
		})

		It("rejects a claim the reviewer denies", func() {
			Expect(h.engine.Resume(ctx, h.notifier.tokenFor(c.ID), domain.ReviewDeny)).To(Succeed())
			run(c.ID)
			stored := h.claim(c.ID)
			Expect(stored.State).To(Equal(domain.StateRejected))
			Expect(stored.Status).To(Equal(domain.StatusDenied))
		})

		It("finalizes a flagged claim as flagged", func() {
			Expect(h.engine.Resume(ctx, h.notifier.tokenFor(c.ID), domain.ReviewFlagged)).To(Succeed())
			run(c.ID)
			Expect(h.claim(c.ID).Status).To(Equal(domain.StatusFlagged))
		})

		It("treats an unknown token as a duplicate", func() {
			Expect(h.engine.Resume(ctx, "no-such-token", domain.ReviewApprove)).To(MatchError(ErrDuplicateResume))
		})

		It("refuses an unknown decision", func() {
			err := h.engine.Resume(ctx, h.notifier.tokenFor(c.ID), domain.ReviewDecision("MAYBE"))
			Expect(err).To(MatchError(ErrInvalidDecision))
			Expect(h.claim(c.ID).State).To(Equal(domain.StateHumanReview))
		})
	})

	Describe("cancellation", func() {
		It("blocks further advances and a late resume", func() {
			h.scriptHappyPath(100)
			c := newClaim(12000)
			start(c)
			run(c.ID)
			token := h.notifier.tokenFor(c.ID)

			Expect(h.engine.Cancel(ctx, c.ID, "withdrawn by claimant")).To(Succeed())
			stored := h.claim(c.ID)
			Expect(stored.State).To(Equal(domain.StateCancelled))
			Expect(stored.Status).To(Equal(domain.StatusFlagged))

			_, err := h.engine.Advance(ctx, c.ID, domain.StateHumanReview, InputFor(stored))
			Expect(err).To(MatchError(ErrClaimCancelled))
			Expect(h.engine.Resume(ctx, token, domain.ReviewApprove)).To(MatchError(ErrClaimCancelled))

			steps := h.steps(c.ID)
			last := steps[len(steps)-1]
			Expect(last.Step).To(Equal(domain.StepCancel))
			Expect(last.Status).To(Equal(domain.StepCancelled))
			Expect(last.Detail).To(Equal("withdrawn by claimant"))

			Expect(h.engine.Cancel(ctx, c.ID, "again")).To(Succeed())
			Expect(h.stepsFor(c.ID, domain.StepCancel)).To(HaveLen(1))
		})

		It("discards the result of a step that finishes after the claim was cancelled", func() {
			c := newClaim(500)
			h.scriptHappyPath(100)
			h.agents.script(domain.AgentFraud, reply{
				result: fraudResult(domain.DecisionContinue, 0.1),
				before: func() {
					defer GinkgoRecover()
					Expect(h.engine.Cancel(context.Background(), c.ID, "fraud team hold")).To(Succeed())
				},
			})
			start(c)

			tr := run(c.ID)
			Expect(tr.Next).To(Equal(domain.StateCancelled))
			Expect(h.claim(c.ID).State).To(Equal(domain.StateCancelled))
			Expect(h.agents.callsFor(domain.AgentAdjudication)).To(BeEmpty())
		})

		It("cannot cancel a claim that has closed", func() {
			h.scriptHappyPath(100)
			c := newClaim(100)
			start(c)
			run(c.ID)
			Expect(h.engine.Cancel(ctx, c.ID, "too late")).To(MatchError(ErrClaimClosed))
		})
	})

	Describe("recovery", func() {
		It("expires a step whose worker died and re-dispatches the claim", func() {
			h.scriptHappyPath(100)
			c := newClaim(100)
			start(c)

			By("leaving a STARTED row behind as a crashed worker would")
			Expect(h.store.InsertStepStarted(ctx, domain.StepRecord{
				ID:        "01JSTALESTEP000000000000000",
				ClaimID:   c.ID,
				Step:      domain.StateExtract.Step(),
				Attempt:   1,
				Status:    domain.StepStarted,
				StartedAt: h.clock.Now(),
			})).To(Succeed())

			tr, err := h.engine.Next(ctx, c.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tr.InFlight).To(BeTrue())
			Expect(h.extractor.calls.Load()).To(BeNumerically("==", 0))

			rec, err := h.engine.RecoverStale(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(rec.Expired).To(Equal(0))

			h.clock.Advance(11 * time.Minute)
			rec, err = h.engine.RecoverStale(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(rec.Expired).To(Equal(1))
			Expect(rec.Redispatched).To(Equal([]string{c.ID}))

			Expect(run(c.ID).Next).To(Equal(domain.StateFinalize))
			recs := h.stepsFor(c.ID, domain.StateExtract.Step())
			Expect(recs).To(HaveLen(2))
			Expect(recs[0].Status).To(Equal(domain.StepFailed))
			Expect(*recs[0].ErrorCategory).To(Equal(domain.CategoryTransient))
			Expect(recs[1].Status).To(Equal(domain.StepSucceeded))
			Expect(recs[1].Attempt).To(Equal(2))
		})

		It("re-dispatches an idle claim that never ran", func() {
			c := newClaim(100)
			start(c)
			h.clock.Advance(11 * time.Minute)

			rec, err := h.engine.RecoverStale(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(rec.Redispatched).To(Equal([]string{c.ID}))
			Expect(h.dispatcher.dispatched()).To(Equal([]string{c.ID, c.ID}))
		})
	})

	Describe("review expiry", func() {
		It("default-denies reviews left waiting too long", func() {
			h.scriptHappyPath(100)
			old := newClaim(12000)
			start(old)
			run(old.ID)
			oldToken := h.notifier.tokenFor(old.ID)

			h.clock.Advance(71 * time.Hour)
			fresh := newClaim(15000)
			start(fresh)
			run(fresh.ID)
			h.clock.Advance(2 * time.Hour)

			expired, err := h.engine.SweepSuspensions(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(expired).To(Equal([]string{old.ID}))

			stored := h.claim(old.ID)
			Expect(stored.State).To(Equal(domain.StateRejected))
			Expect(stored.Status).To(Equal(domain.StatusDenied))
			Expect(stored.ReviewDecision).To(Equal(domain.ReviewDeny))
			Expect(stored.ReviewReasons).To(ContainElement(ReasonReviewExpired))
			Expect(h.notifier.expired).To(HaveLen(1))
			Expect(h.notifier.expired[0].ClaimID).To(Equal(old.ID))

			Expect(h.engine.Resume(ctx, oldToken, domain.ReviewApprove)).To(MatchError(ErrDuplicateResume))
			Expect(h.claim(fresh.ID).State).To(Equal(domain.StateHumanReview))

			resume := h.stepsFor(old.ID, domain.StepResume)
			Expect(resume).To(HaveLen(1))
			Expect(strings.HasPrefix(resume[0].Detail, "default deny")).To(BeTrue())
		})

		It("force-expires a single review on request", func() {
			h.scriptHappyPath(100)
			c := newClaim(12000)
			start(c)
			run(c.ID)

			Expect(h.engine.ExpireSuspension(ctx, c.ID)).To(Succeed())
			Expect(h.claim(c.ID).State).To(Equal(domain.StateRejected))
			Expect(h.engine.ExpireSuspension(ctx, c.ID)).To(MatchError(domain.ErrNotFound))
		})
	})

	Describe("GoDispatcher", func() {
		It("runs dispatched claims to completion in the background", func() {
			h.scriptHappyPath(100)
			d := NewGoDispatcher(h.engine, 2, logger.Discard())
			h.engine.SetDispatcher(d)

			claims := []domain.Claim{newClaim(100), newClaim(200), newClaim(300)}
			for _, c := range claims {
				start(c)
			}
			d.Wait()

			for _, c := range claims {
				Expect(h.claim(c.ID).Status).To(Equal(domain.StatusApproved))
			}
		})
	})

	Describe("ledger", func() {
		It("returns the step history with the claim status", func() {
			h.scriptHappyPath(100)
			c := newClaim(100)
			start(c)
			run(c.ID)

			rec, err := h.engine.Ledger(ctx, c.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(rec.ClaimID).To(Equal(c.ID))
			Expect(rec.Status).To(Equal(domain.StatusApproved))
			Expect(rec.State).To(Equal(domain.StateFinalize))
			Expect(rec.Steps).To(HaveLen(7))

			_, err = h.engine.Ledger(ctx, "missing")
			Expect(err).To(MatchError(domain.ErrNotFound))
		})
	})
})
