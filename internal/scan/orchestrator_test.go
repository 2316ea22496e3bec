package scan

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/nutriscan/internal/nutrition"
	"github.com/zombor/nutriscan/internal/scanning"
)

var _ = Describe("Orchestrator", func() {
	var (
		recognizer   *fakeRecognizer
		structurer   *fakeStructurer
		store        *mockHistory
		orchestrator *Orchestrator
		req          Request
		outcome      *Outcome
		err          error
	)

	BeforeEach(func() {
		recognizer = &fakeRecognizer{text: "Calories 150\nTotal Fat 3g\nSodium 180mg"}
		structurer = &fakeStructurer{text: labelPayload}
		store = &mockHistory{id: "scan-42"}
		req = Request{Image: labelImage(), UserID: "user-1"}
	})

	JustBeforeEach(func() {
		orchestrator = NewOrchestratorWithDeps(
			scanning.NewRecognitionStageWithPolicy(recognizer, fastPolicy),
			scanning.NewStructuringStageWithConfig(structurer, scanning.StructuringConfig{
				Model:         "primary",
				FallbackModel: "fallback",
				Options:       scanning.DefaultGenerateOptions,
				Policy:        fastPolicy,
			}),
			store,
			fixedClock{now: testNow},
			5*time.Second,
		)
		outcome, err = orchestrator.Scan(context.Background(), req)
	})

	When("every stage succeeds", func() {
		It("should return the parsed record", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Record.ProductName).To(Equal("Oat Crackers"))
			Expect(outcome.Record.Calories).To(Equal(nutrition.Int(150)))
			Expect(outcome.Record.TotalFatGrams).To(Equal(nutrition.Int(3)))
			Expect(outcome.Error).To(BeEmpty())
			Expect(outcome.Warning).To(BeEmpty())
		})

		It("should stamp the record with the scan time", func() {
			Expect(outcome.Record.CapturedAt).To(Equal(testNow.UnixMilli()))
		})

		It("should save the record and report its scan ID", func() {
			Expect(outcome.Record.ScanID).To(Equal("scan-42"))
			Expect(store.userIDs).To(ConsistOf("user-1"))
			Expect(store.saved[0].CapturedAt).To(Equal(testNow.UnixMilli()))
		})

		It("should end in the succeeded phase with the result", func() {
			state := orchestrator.State()
			Expect(state.Phase).To(Equal(PhaseSucceeded))
			Expect(state.Progress).To(BeEmpty())
			Expect(state.Result).NotTo(BeNil())
			Expect(state.Result.ScanID).To(Equal("scan-42"))
		})
	})

	When("there is no user", func() {
		BeforeEach(func() {
			req.UserID = ""
		})

		It("should skip saving without a warning", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(store.saved).To(BeEmpty())
			Expect(outcome.Record.ScanID).To(BeEmpty())
			Expect(outcome.Warning).To(BeEmpty())
		})
	})

	When("saving to history fails", func() {
		BeforeEach(func() {
			store.err = errors.New("disk full")
		})

		It("should still return the record with a warning", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Record.Calories).To(Equal(nutrition.Int(150)))
			Expect(outcome.Record.CapturedAt).To(Equal(testNow.UnixMilli()))
			Expect(outcome.Record.ScanID).To(BeEmpty())
			Expect(outcome.Warning).To(Equal(WarningNotSaved))
		})

		It("should succeed and keep the warning in state", func() {
			state := orchestrator.State()
			Expect(state.Phase).To(Equal(PhaseSucceeded))
			Expect(state.Warning).To(Equal(WarningNotSaved))
		})
	})

	When("the recognizer times out on every attempt", func() {
		BeforeEach(func() {
			recognizer.delay = time.Second
		})

		It("should return a diagnostic record marking the recognition failure", func() {
			Expect(err).To(HaveOccurred())
			Expect(outcome).NotTo(BeNil())
			Expect(outcome.Record.ProductName).To(ContainSubstring(nutrition.MarkerOCR))
			Expect(outcome.Error).To(Equal(MessageTimeout))
			Expect(outcome.Record.Allergens).To(ContainElement("OCR: Failed"))
		})

		It("should try three times and never call the structurer", func() {
			Expect(recognizer.Calls()).To(Equal(3))
			Expect(structurer.Calls()).To(Equal(0))
		})

		It("should end in the failed phase", func() {
			state := orchestrator.State()
			Expect(state.Phase).To(Equal(PhaseFailed))
			Expect(state.Error).To(Equal(MessageTimeout))
			Expect(state.Result.ProductName).To(ContainSubstring(nutrition.MarkerOCR))
		})

		It("should not save anything", func() {
			Expect(store.saved).To(BeEmpty())
		})
	})

	When("the recognizer finds no text", func() {
		BeforeEach(func() {
			recognizer.text = "   \n  "
		})

		It("should ask for a better photo", func() {
			Expect(scanning.CodeOf(err)).To(Equal(scanning.CodeNoTextDetected))
			Expect(outcome.Error).To(Equal(MessageNoText))
		})
	})

	When("the image is invalid", func() {
		BeforeEach(func() {
			req.Image = scanning.Image{Data: []byte("not an image"), ContentType: "image/png"}
		})

		It("should report an invalid image without recognizing", func() {
			Expect(errors.Is(err, scanning.ErrInvalidImage)).To(BeTrue())
			Expect(outcome.Error).To(Equal(MessageInvalidImage))
			Expect(recognizer.Calls()).To(Equal(0))
		})
	})

	When("the structurer reports an exceeded quota", func() {
		BeforeEach(func() {
			structurer.err = errors.New("googleapi: Error 429: Resource has been exhausted (e.g. check quota)")
		})

		It("should abort after a single attempt with the quota message", func() {
			Expect(scanning.CodeOf(err)).To(Equal(scanning.CodeQuotaExceeded))
			Expect(structurer.Calls()).To(Equal(1))
			Expect(outcome.Error).To(Equal(MessageQuota))
		})

		It("should mark the structuring failure in the diagnostic record", func() {
			Expect(outcome.Record.ProductName).To(Equal("Scan Failed: " + nutrition.MarkerLLM))
			Expect(outcome.Record.Calories).To(Equal(nutrition.Int(0)))
			Expect(outcome.Record.Allergens).To(ContainElement("LLM: Failed"))
		})
	})

	When("the structurer rejects the API key", func() {
		BeforeEach(func() {
			structurer.err = errors.New("API key not valid")
		})

		It("should report a configuration error", func() {
			Expect(outcome.Error).To(Equal(MessageAuth))
			Expect(structurer.Calls()).To(Equal(1))
		})
	})

	When("the structurer keeps returning malformed output", func() {
		BeforeEach(func() {
			structurer.text = `{"productName": "Oat Crackers"`
		})

		It("should retry and then report that the label could not be understood", func() {
			Expect(structurer.Calls()).To(Equal(3))
			Expect(outcome.Error).To(Equal(MessageUnreadable))
		})
	})
})

var _ = Describe("Orchestrator concurrency", func() {
	var (
		recognizer   *blockingRecognizer
		orchestrator *Orchestrator
		done         chan error
	)

	BeforeEach(func() {
		recognizer = newBlockingRecognizer()
		orchestrator = NewOrchestratorWithDeps(
			recognizer,
			staticStructurer{payload: labelPayload},
			nil,
			fixedClock{now: testNow},
			5*time.Second,
		)

		done = make(chan error, 1)
		go func() {
			defer GinkgoRecover()
			_, err := orchestrator.Scan(context.Background(), Request{Image: labelImage()})
			done <- err
		}()
		Eventually(recognizer.started).Should(Receive())
	})

	AfterEach(func() {
		orchestrator.Cancel()
	})

	It("should report the running scan's progress", func() {
		state := orchestrator.State()
		Expect(state.Phase).To(Equal(PhaseRunning))
		Expect(state.Progress).To(Equal(ProgressRecognizing))
	})

	It("should reject a second scan without touching state", func() {
		before := orchestrator.State()

		_, err := orchestrator.Scan(context.Background(), Request{Image: labelImage()})
		Expect(err).To(MatchError(ErrScanInProgress))
		Expect(orchestrator.State()).To(Equal(before))

		close(recognizer.release)
		Eventually(done).Should(Receive(BeNil()))
	})

	It("should accept a new scan once the first finishes", func() {
		close(recognizer.release)
		Eventually(done).Should(Receive(BeNil()))
		Expect(orchestrator.State().Phase).To(Equal(PhaseSucceeded))

		go func() {
			defer GinkgoRecover()
			_, err := orchestrator.Scan(context.Background(), Request{Image: labelImage()})
			done <- err
		}()
		Eventually(done).Should(Receive(BeNil()))
	})

	Describe("Cancel", func() {
		It("should return to idle at once and report the cancellation", func() {
			Expect(orchestrator.Cancel()).To(BeTrue())
			Expect(orchestrator.State()).To(Equal(State{Phase: PhaseIdle}))

			Eventually(done).Should(Receive(MatchError(ErrScanCanceled)))
			Expect(orchestrator.State()).To(Equal(State{Phase: PhaseIdle}))
		})

		It("should do nothing when no scan is running", func() {
			close(recognizer.release)
			Eventually(done).Should(Receive())
			Expect(orchestrator.Cancel()).To(BeFalse())
			Expect(orchestrator.State().Phase).To(Equal(PhaseSucceeded))
		})
	})

	Describe("Subscribe", func() {
		It("should deliver the current state and then the latest updates", func() {
			updates, unsubscribe := orchestrator.Subscribe()
			defer unsubscribe()

			Expect(updates).To(Receive(HaveField("Phase", PhaseRunning)))

			close(recognizer.release)
			Eventually(done).Should(Receive(BeNil()))

			var last State
			Eventually(func() Phase {
				select {
				case last = <-updates:
				default:
				}
				return last.Phase
			}).Should(Equal(PhaseSucceeded))
			Expect(last.Result.ProductName).To(Equal("Oat Crackers"))
		})

		It("should close the channel on unsubscribe", func() {
			updates, unsubscribe := orchestrator.Subscribe()
			unsubscribe()
			unsubscribe()

			Expect(updates).To(Receive())
			Expect(updates).To(BeClosed())
			close(recognizer.release)
			Eventually(done).Should(Receive(BeNil()))
		})
	})
})

var _ = Describe("Orchestrator deadline", func() {
	It("should mark a scan that outlives the deadline as timed out", func() {
		recognizer := newBlockingRecognizer()
		orchestrator := NewOrchestratorWithDeps(
			recognizer,
			staticStructurer{payload: labelPayload},
			nil,
			fixedClock{now: testNow},
			20*time.Millisecond,
		)

		outcome, err := orchestrator.Scan(context.Background(), Request{Image: labelImage()})
		Expect(err).To(HaveOccurred())
		Expect(scanning.CodeOf(err)).To(Equal(scanning.CodeTimeout))
		Expect(outcome.Record.ProductName).To(Equal("Scan Failed: " + nutrition.MarkerTimeout))
		Expect(outcome.Error).To(Equal(MessageTimeout))
		Expect(orchestrator.State().Phase).To(Equal(PhaseFailed))
	})
})

var _ = Describe("Orchestrator persistence deadline", func() {
	var (
		store        HistoryStore
		orchestrator *Orchestrator
		outcome      *Outcome
		err          error
	)

	JustBeforeEach(func() {
		orchestrator = NewOrchestratorWithDeps(
			&staticRecognizer{text: "Calories 150"},
			staticStructurer{payload: labelPayload},
			store,
			fixedClock{now: testNow},
			50*time.Millisecond,
		)
		outcome, err = orchestrator.Scan(context.Background(), Request{Image: labelImage(), UserID: "user-1"})
	})

	When("saving outlives the deadline", func() {
		BeforeEach(func() {
			store = stallingHistory{}
		})

		It("should fail with a timeout instead of a saved-with-warning success", func() {
			Expect(scanning.CodeOf(err)).To(Equal(scanning.CodeTimeout))
			Expect(outcome.Warning).To(BeEmpty())
			Expect(outcome.Error).To(Equal(MessageTimeout))
			Expect(outcome.Record.ProductName).To(Equal("Scan Failed: " + nutrition.MarkerTimeout))
			Expect(orchestrator.State().Phase).To(Equal(PhaseFailed))
		})
	})

	When("saving finishes only after the deadline", func() {
		BeforeEach(func() {
			store = lateHistory{}
		})

		It("should not publish a success", func() {
			Expect(scanning.CodeOf(err)).To(Equal(scanning.CodeTimeout))
			Expect(outcome.Record.ScanID).To(BeEmpty())
			Expect(orchestrator.State().Phase).To(Equal(PhaseFailed))
		})
	})
})

var _ = Describe("Published state", func() {
	It("should not share the record with the caller", func() {
		orchestrator := NewOrchestratorWithDeps(
			&staticRecognizer{text: "Calories 150"},
			staticStructurer{payload: labelPayload},
			nil,
			fixedClock{now: testNow},
			time.Second,
		)
		outcome, err := orchestrator.Scan(context.Background(), Request{Image: labelImage()})
		Expect(err).NotTo(HaveOccurred())

		outcome.Record.ProductName = "Edited"
		*outcome.Record.Calories = 999
		outcome.Record.Allergens[0] = "Fish"

		state := orchestrator.State()
		Expect(state.Result.ProductName).To(Equal("Oat Crackers"))
		Expect(state.Result.Calories).To(Equal(nutrition.Int(150)))
		Expect(state.Result.Allergens).To(Equal([]string{"Wheat"}))
	})
})

var _ = Describe("Clearing state", func() {
	var orchestrator *Orchestrator

	BeforeEach(func() {
		orchestrator = NewOrchestratorWithDeps(
			&failingRecognizer{err: &scanning.Error{Code: scanning.CodeNoTextDetected, Stage: scanning.StageRecognition}},
			staticStructurer{},
			nil,
			fixedClock{now: testNow},
			time.Second,
		)
		_, err := orchestrator.Scan(context.Background(), Request{Image: labelImage()})
		Expect(err).To(HaveOccurred())
	})

	It("should drop the error but keep the diagnostic result", func() {
		orchestrator.ClearError()
		state := orchestrator.State()
		Expect(state.Error).To(BeEmpty())
		Expect(state.Phase).To(Equal(PhaseFailed))
		Expect(state.Result).NotTo(BeNil())
	})

	It("should return to idle once both are cleared", func() {
		orchestrator.ClearError()
		orchestrator.ClearResult()
		Expect(orchestrator.State()).To(Equal(State{Phase: PhaseIdle}))
	})
})

// failingRecognizer is a Recognizer that always fails
type failingRecognizer struct {
	err error
}

func (f *failingRecognizer) Recognize(ctx context.Context, img scanning.Image) (string, error) {
	return "", f.err
}
