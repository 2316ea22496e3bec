package scanning

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/googleapi"
)

var _ = Describe("StructuringStage", func() {
	var (
		structurer *mockStructurer
		cfg        StructuringConfig
		input      string
		ctx        context.Context
		cancel     context.CancelFunc
		payload    string
		err        error
	)

	BeforeEach(func() {
		structurer = &mockStructurer{}
		cfg = StructuringConfig{
			Model:         "primary-model",
			FallbackModel: "fallback-model",
			Options:       DefaultGenerateOptions,
			Policy:        fastPolicy,
		}
		input = "Nutrition Facts\nCalories 190\nContains: Tree Nuts, Soy"
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	JustBeforeEach(func() {
		payload, err = NewStructuringStageWithConfig(structurer, cfg).Structure(ctx, input)
	})

	When("the structurer returns a valid payload", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{text: validPayload}}
		})

		It("should return the payload", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(payload).To(Equal(validPayload))
		})

		It("should call the primary model once with the configured options", func() {
			Expect(structurer.Models()).To(Equal([]string{"primary-model"}))
			Expect(structurer.opts[0]).To(Equal(DefaultGenerateOptions))
		})

		It("should send the recognized text in the prompt", func() {
			Expect(structurer.prompts[0]).To(ContainSubstring("Contains: Tree Nuts, Soy"))
		})
	})

	When("the payload is wrapped in prose and code fences", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{text: "Here you go:\n```json\n" + validPayload + "\n```\nEnjoy!"}}
		})

		It("should return only the JSON object", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(payload).To(Equal(validPayload))
		})
	})

	When("the input is blank", func() {
		BeforeEach(func() {
			input = "  \n "
		})

		It("should fail with EMPTY_RESPONSE without calling the structurer", func() {
			Expect(CodeOf(err)).To(Equal(CodeEmptyResponse))
			Expect(structurer.Calls()).To(Equal(0))
		})
	})

	When("the input carries a recognition error marker", func() {
		BeforeEach(func() {
			input = "OCR_ERROR: engine unavailable"
		})

		It("should fail with NO_TEXT_DETECTED without calling the structurer", func() {
			Expect(CodeOf(err)).To(Equal(CodeNoTextDetected))
			Expect(structurer.Calls()).To(Equal(0))
		})
	})

	When("the input starts with ERROR:", func() {
		BeforeEach(func() {
			input = "ERROR: camera failure"
		})

		It("should fail with NO_TEXT_DETECTED without calling the structurer", func() {
			Expect(CodeOf(err)).To(Equal(CodeNoTextDetected))
			Expect(structurer.Calls()).To(Equal(0))
		})
	})

	When("the input is longer than the prompt limit", func() {
		BeforeEach(func() {
			input = strings.Repeat("a", MaxPromptTextLength+500)
			structurer.replies = []reply{{text: validPayload}}
		})

		It("should send only the first characters", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(structurer.prompts[0]).To(ContainSubstring(strings.Repeat("a", MaxPromptTextLength)))
			Expect(structurer.prompts[0]).NotTo(ContainSubstring(strings.Repeat("a", MaxPromptTextLength+1)))
		})
	})

	When("the provider rejects the credentials", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{err: &googleapi.Error{Code: 401, Message: "API key not valid"}}}
		})

		It("should abort with AUTH_ERROR after one attempt", func() {
			Expect(errors.Is(err, ErrAuth)).To(BeTrue())
			Expect(structurer.Calls()).To(Equal(1))
		})
	})

	When("the provider reports an exhausted quota", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{err: errors.New("googleapi: Error 429: Resource has been exhausted (e.g. check quota).")}}
		})

		It("should abort with QUOTA_EXCEEDED after one attempt", func() {
			Expect(CodeOf(err)).To(Equal(CodeQuotaExceeded))
			Expect(structurer.Calls()).To(Equal(1))
		})
	})

	When("the primary model is unavailable", func() {
		BeforeEach(func() {
			structurer.replies = []reply{
				{err: errors.New("models/primary-model is not found for API version v1beta")},
				{text: validPayload},
			}
		})

		It("should switch to the fallback model and succeed", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(payload).To(Equal(validPayload))
			Expect(structurer.Models()).To(Equal([]string{"primary-model", "fallback-model"}))
		})
	})

	When("both models are unavailable", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{err: &googleapi.Error{Code: 404, Message: "model not found"}}}
		})

		It("should switch models only once", func() {
			Expect(structurer.Models()).To(Equal([]string{"primary-model", "fallback-model", "fallback-model"}))
		})

		It("should fail with MODEL_UNAVAILABLE", func() {
			Expect(CodeOf(err)).To(Equal(CodeModelUnavailable))
			Expect(err.(*Error).Attempts).To(Equal(3))
		})
	})

	When("no fallback model is configured", func() {
		BeforeEach(func() {
			cfg.FallbackModel = ""
			structurer.replies = []reply{{err: errors.New("model unavailable")}}
		})

		It("should keep retrying the primary model", func() {
			Expect(structurer.Models()).To(Equal([]string{"primary-model", "primary-model", "primary-model"}))
		})
	})

	When("the structurer keeps returning malformed JSON", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{text: `{"productName": "Bar", "calories": 10}`}}
		})

		It("should retry and fail with INVALID_JSON", func() {
			Expect(CodeOf(err)).To(Equal(CodeInvalidJSON))
			Expect(structurer.Calls()).To(Equal(3))
		})
	})

	When("a malformed reply is followed by a valid one", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{text: "I cannot read this label"}, {text: validPayload}}
		})

		It("should return the valid payload", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(structurer.Calls()).To(Equal(2))
		})
	})

	When("the structurer keeps failing with a long message", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{err: errors.New("upstream exploded: " + strings.Repeat("x", 500))}}
		})

		It("should fail with PROVIDER_ERROR", func() {
			Expect(CodeOf(err)).To(Equal(CodeProvider))
		})

		It("should truncate the kept message to 200 characters", func() {
			Expect(err.(*Error).Err.Error()).To(HaveLen(maxFailureMessage))
		})
	})

	When("every attempt outlives the attempt timeout", func() {
		BeforeEach(func() {
			structurer.delay = time.Second
		})

		It("should fail with TIMEOUT after three attempts", func() {
			Expect(CodeOf(err)).To(Equal(CodeTimeout))
			Expect(structurer.Calls()).To(Equal(3))
		})
	})

	When("the caller cancels", func() {
		BeforeEach(func() {
			structurer.replies = []reply{{text: validPayload}}
			cancel()
		})

		It("should fail with CANCELED", func() {
			Expect(CodeOf(err)).To(Equal(CodeCanceled))
		})
	})
})

var _ = Describe("ExtractPayload", func() {
	DescribeTable("rejecting replies",
		func(output string, code Code) {
			_, err := ExtractPayload(output)
			Expect(CodeOf(err)).To(Equal(code))
		},
		Entry("empty reply", "   ", CodeEmptyResponse),
		Entry("no JSON object", "no nutrition facts here", CodeInvalidJSON),
		Entry("closing brace before opening brace", "} oops {", CodeInvalidJSON),
		Entry("missing calories", `{"productName": "x", "allergens": []}`, CodeInvalidJSON),
		Entry("missing allergens", `{"productName": "x", "calories": 1}`, CodeInvalidJSON),
		Entry("unbalanced brackets", `{"productName": "x", "calories": 1, "allergens": [}`, CodeInvalidJSON),
		Entry("unbalanced braces", `{"productName": "x", "calories": 1, "allergens": [], "extra": {}`+"{}", CodeInvalidJSON),
	)

	It("should accept a fenced payload", func() {
		payload, err := ExtractPayload("```json\n" + validPayload + "\n```")
		Expect(err).NotTo(HaveOccurred())
		Expect(payload).To(Equal(validPayload))
	})
})

var _ = Describe("BuildPrompt", func() {
	It("should be deterministic", func() {
		Expect(BuildPrompt("Calories 10")).To(Equal(BuildPrompt("Calories 10")))
	})

	It("should list the allergen vocabulary and schema keys", func() {
		prompt := BuildPrompt("Calories 10")
		for _, key := range []string{"Milk", "Tree Nuts", "Shellfish", `"productName"`, `"watchlistIngredients"`, "whole integers"} {
			Expect(prompt).To(ContainSubstring(key))
		}
	})

	It("should not split multi-byte characters when truncating", func() {
		prompt := BuildPrompt(strings.Repeat("é", MaxPromptTextLength+10))
		Expect(strings.Count(prompt, "é")).To(Equal(MaxPromptTextLength))
	})
})
