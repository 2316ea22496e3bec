package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		client *Ollama
		ctx    context.Context
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		client = NewOllama(server.URL()+"/", "llava")
		ctx = context.Background()
	})

	AfterEach(func() {
		server.Close()
	})

	decodeChat := func(r *http.Request) ollamaChatRequest {
		var req ollamaChatRequest
		Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
		return req
	}

	Describe("Generate", func() {
		var (
			received ollamaChatRequest
			text     string
			err      error
		)

		JustBeforeEach(func() {
			text, err = client.Generate(ctx, "extract this", "llama3.2", GenerateOptions{Temperature: 0.1, MaxOutputTokens: 256})
		})

		When("the server replies", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
					ghttp.VerifyContentType("application/json"),
					func(w http.ResponseWriter, r *http.Request) {
						received = decodeChat(r)
					},
					ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
						Message: ollamaMessage{Role: "assistant", Content: validPayload},
						Done:    true,
					}),
				))
			})

			It("should return the message content", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(text).To(Equal(validPayload))
			})

			It("should send the model, prompt and options", func() {
				Expect(received.Model).To(Equal("llama3.2"))
				Expect(received.Stream).To(BeFalse())
				Expect(received.Messages).To(HaveLen(2))
				Expect(received.Messages[1].Content).To(Equal("extract this"))
				Expect(received.Options).NotTo(BeNil())
				Expect(received.Options.Temperature).To(BeNumerically("~", 0.1, 0.0001))
				Expect(received.Options.NumPredict).To(Equal(int32(256)))
			})
		})

		When("the model is missing", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model \"llama3.2\" not found, try pulling it first"}`))
			})

			It("should return an error carrying the status", func() {
				var apiErr *ollamaError
				Expect(errors.As(err, &apiErr)).To(BeTrue())
				Expect(apiErr.HTTPStatus()).To(Equal(http.StatusNotFound))
			})

			It("should classify as MODEL_UNAVAILABLE", func() {
				Expect(ClassifyProviderError(err)).To(Equal(CodeModelUnavailable))
			})
		})

		When("the reply is not JSON", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, "not json"))
			})

			It("should return a decoding error", func() {
				Expect(err).To(MatchError(ContainSubstring("decoding response")))
			})
		})
	})

	Describe("RecognizeText", func() {
		var (
			received ollamaChatRequest
			pngData  []byte
			text     string
			err      error
		)

		BeforeEach(func() {
			pngData = testPNG(4, 4)
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					received = decodeChat(r)
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: "Nutrition Facts\nCalories 100"},
					Done:    true,
				}),
			))
		})

		JustBeforeEach(func() {
			text, err = client.RecognizeText(ctx, pngData)
		})

		It("should return the transcription", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("Nutrition Facts\nCalories 100"))
		})

		It("should attach the image to the user message for the vision model", func() {
			Expect(received.Model).To(Equal("llava"))
			Expect(received.Messages[1].Images).To(ConsistOf(base64.StdEncoding.EncodeToString(pngData)))
		})
	})

	Describe("Check", func() {
		var err error

		JustBeforeEach(func() {
			err = client.Check(ctx)
		})

		When("the vision model is installed", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest(http.MethodGet, "/api/tags"),
					ghttp.RespondWith(http.StatusOK, `{"models":[{"name":"llama3.2:latest"},{"name":"llava:latest"}]}`),
				))
			})

			It("should succeed", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("the vision model is not installed", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `{"models":[{"name":"llama3.2:latest"}]}`))
			})

			It("should report the missing model", func() {
				Expect(err).To(MatchError(ContainSubstring(`"llava" is not installed`)))
			})
		})

		When("the server is down", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusInternalServerError, "boom"))
			})

			It("should return an error", func() {
				Expect(err).To(HaveOccurred())
			})
		})
	})
})
