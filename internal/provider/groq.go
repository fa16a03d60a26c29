package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// groqClient is the primary Reasoner, backed by the Groq API. Groq exposes an
// OpenAI-compatible /chat/completions endpoint, so the request/response
// shapes are standard OpenAI chat format.
type groqClient struct {
	apiKey     string
	models     []string // tried in order; first model that yields parseable JSON wins
	endpoint   string
	httpClient *http.Client
}

// defaultGroqModels is the ordered fallback list used when the caller does
// not configure one. The first entry is the strongest reasoning model; the
// later entries are smaller and survive rate-limit windows better.
var defaultGroqModels = []string{
	"llama-3.3-70b-versatile",
	"llama-3.1-8b-instant",
}

// NewGroqClient returns a Reasoner that calls the Groq API.
//   - apiKey: your GROQ_API_KEY
//   - models: ordered model fallback list; nil uses the default list
func NewGroqClient(apiKey string, models []string, timeout time.Duration) Reasoner {
	if len(models) == 0 {
		models = defaultGroqModels
	}
	if timeout <= 0 {
		timeout = 35 * time.Second
	}
	return &groqClient{
		apiKey:   apiKey,
		models:   models,
		endpoint: "https://api.groq.com/openai/v1/chat/completions",
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *groqClient) Name() string { return "groq" }

// ─── OPENAI-COMPATIBLE API SHAPES ────────────────────────────────────────────

type openAIRequest struct {
	Model          string          `json:"model"`
	Temperature    float64         `json:"temperature"`
	Messages       []openAIMessage `json:"messages"`
	MaxTokens      int             `json:"max_completion_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// responseFormat instructs the model to return valid JSON.
type responseFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ─── REASONER OPERATIONS ─────────────────────────────────────────────────────

func (c *groqClient) GenerateDraft(ctx context.Context, in ReasoningInput) (Payload, error) {
	user := buildContextPrompt("Create the initial draft for the council.", draftContext{ReasoningInput: in})
	return c.chatJSON(ctx, draftSystemPrompt, user, 0.1, 650)
}

func (c *groqClient) GenerateCritique(ctx context.Context, in ReasoningInput, draft Payload) (Payload, error) {
	user := buildContextPrompt("Review the draft against the same metrics and evidence.", critiqueContext{ReasoningInput: in, Draft: draft})
	return c.chatJSON(ctx, critiqueSystemPrompt, user, 0.0, 420)
}

func (c *groqClient) Synthesize(ctx context.Context, in ReasoningInput, draft, critique, sanity Payload) (Payload, error) {
	user := buildContextPrompt(
		"Merge the draft, critique, and local quantitative sanity check into one consensus output.",
		synthesisContext{ReasoningInput: in, Draft: draft, Critique: critique, SanityCheck: sanity},
	)
	return c.chatJSON(ctx, synthesisSystemPrompt, user, 0.1, 900)
}

func (c *groqClient) AnswerQuestion(ctx context.Context, question string, reportContext Payload, webEvidence []WebEvidence) (Answer, error) {
	if webEvidence == nil {
		webEvidence = []WebEvidence{}
	}
	user := buildContextPrompt("Answer the question using the report context.", answerContext{
		Question:      question,
		ReportContext: reportContext,
		WebEvidence:   webEvidence,
	})
	parsed, err := c.chatJSON(ctx, answerSystemPrompt, user, 0.2, 300)
	if err != nil {
		return Answer{}, err
	}
	return answerFromPayload(parsed), nil
}

// ─── TRANSPORT ───────────────────────────────────────────────────────────────

// chatJSON walks the model fallback list. For each model it issues the
// request in JSON mode; if the content fails to parse it re-issues once with
// an explicit repair instruction before moving to the next model.
func (c *groqClient) chatJSON(ctx context.Context, system, user string, temperature float64, maxTokens int) (Payload, error) {
	if c.apiKey == "" {
		return nil, errors.New("groq: no API key configured")
	}

	var lastErr error
	for _, model := range c.models {
		prompt := user
		for attempt := range 2 {
			content, err := c.call(ctx, model, system, prompt, temperature, maxTokens)
			if err != nil {
				lastErr = fmt.Errorf("groq: %s: %w", model, err)
				break // transport error — repair retry will not help, try next model
			}

			parsed, parseErr := extractJSON(content)
			if parseErr == nil {
				parsed["model_used"] = model
				return parsed, nil
			}
			lastErr = fmt.Errorf("groq: %s: %w", model, parseErr)

			if attempt == 0 {
				prompt = user + "\n\nYour previous response was invalid JSON.\n" + jsonRepairPrompt
			}
		}
	}

	return nil, lastErr
}

// call sends one request and returns the text content of the first choice.
func (c *groqClient) call(ctx context.Context, model, system, user string, temperature float64, maxTokens int) (string, error) {
	reqBody := openAIRequest{
		Model:       model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		// json_object mode keeps the response parseable without fence games.
		ResponseFormat: &responseFormat{Type: "json_object"},
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB cap
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	if parsed.Error != nil {
		return "", fmt.Errorf("API error %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("no choices in response")
	}

	return parsed.Choices[0].Message.Content, nil
}

// answerFromPayload coerces a loose answer payload into the typed Answer,
// filling the documented defaults for missing keys.
func answerFromPayload(p Payload) Answer {
	get := func(key, fallback string) string {
		if v, ok := p[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}
	return Answer{
		Answer:     get("answer", "No answer returned."),
		Rationale:  get("rationale", "No rationale returned."),
		Caveat:     get("caveat", ""),
		Confidence: get("confidence", ""),
	}
}
