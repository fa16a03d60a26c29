package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// watsonxClient is the secondary Reasoner, backed by the watsonx.ai chat
// completions gateway. watsonx authenticates with short-lived IAM bearer
// tokens rather than a static API key header, and different deployments
// expose the chat route under different path prefixes, so the client walks a
// small candidate-endpoint list.
type watsonxClient struct {
	projectID  string
	baseURL    string
	model      string
	tokens     *iamTokenSource
	httpClient *http.Client
}

// WatsonxConfig holds the four values a watsonx deployment needs.
type WatsonxConfig struct {
	APIKey    string
	ProjectID string
	BaseURL   string // e.g. "https://us-south.ml.cloud.ibm.com"
	Model     string // e.g. "ibm/granite-3-8b-instruct"
	Timeout   time.Duration
}

// NewWatsonxClient returns a Reasoner that calls watsonx.ai.
func NewWatsonxClient(cfg WatsonxConfig) Reasoner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 35 * time.Second
	}
	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		// Redirects mean the caller configured a console URL instead of the
		// raw ml.cloud.ibm.com API host; surface that instead of following.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &watsonxClient{
		projectID:  strings.TrimSpace(cfg.ProjectID),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		model:      strings.TrimSpace(cfg.Model),
		tokens:     newIAMTokenSource(cfg.APIKey, httpClient),
		httpClient: httpClient,
	}
}

func (c *watsonxClient) Name() string { return "watsonx" }

// candidateEndpoints returns the chat-completions URLs to try, in order. A
// base URL that already ends in a chat route is used as-is.
func (c *watsonxClient) candidateEndpoints() ([]string, error) {
	if c.baseURL == "" {
		return nil, errors.New("watsonx: base URL is required")
	}
	for _, suffix := range []string{"/ml/v1/chat/completions", "/ml/gateway/v1/chat/completions", "/v1/chat/completions"} {
		if strings.HasSuffix(c.baseURL, suffix) {
			return []string{c.baseURL}, nil
		}
	}
	return []string{
		c.baseURL + "/ml/v1/chat/completions",
		c.baseURL + "/ml/gateway/v1/chat/completions",
		c.baseURL + "/v1/chat/completions",
	}, nil
}

// ─── REASONER OPERATIONS ─────────────────────────────────────────────────────

func (c *watsonxClient) GenerateDraft(ctx context.Context, in ReasoningInput) (Payload, error) {
	user := buildContextPrompt("Create the initial draft for the council.", draftContext{ReasoningInput: in})
	return c.chatJSON(ctx, draftSystemPrompt, user, 0.1, 650)
}

func (c *watsonxClient) GenerateCritique(ctx context.Context, in ReasoningInput, draft Payload) (Payload, error) {
	user := buildContextPrompt("Review the draft against the same metrics and evidence.", critiqueContext{ReasoningInput: in, Draft: draft})
	return c.chatJSON(ctx, critiqueSystemPrompt, user, 0.0, 420)
}

func (c *watsonxClient) Synthesize(ctx context.Context, in ReasoningInput, draft, critique, sanity Payload) (Payload, error) {
	user := buildContextPrompt(
		"Merge the draft, critique, and local quantitative sanity check into one consensus output.",
		synthesisContext{ReasoningInput: in, Draft: draft, Critique: critique, SanityCheck: sanity},
	)
	return c.chatJSON(ctx, synthesisSystemPrompt, user, 0.1, 900)
}

func (c *watsonxClient) AnswerQuestion(ctx context.Context, question string, reportContext Payload, webEvidence []WebEvidence) (Answer, error) {
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

// chatJSON issues the request against each candidate endpoint. A transport or
// HTTP failure moves to the next endpoint; a parse failure triggers one
// repair attempt with doubled max_tokens (truncated JSON is the usual cause)
// before the error surfaces.
func (c *watsonxClient) chatJSON(ctx context.Context, system, user string, temperature float64, maxTokens int) (Payload, error) {
	if c.projectID == "" {
		return nil, errors.New("watsonx: project ID is required")
	}
	if c.model == "" {
		return nil, errors.New("watsonx: model is required")
	}

	endpoints, err := c.candidateEndpoints()
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	prompt := user
	tokens := maxTokens
	var endpointErrs []string
	var lastParseErr error

	for attempt := range 2 {
		for _, endpoint := range endpoints {
			content, callErr := c.call(ctx, endpoint, token, system, prompt, temperature, tokens)
			if callErr != nil {
				endpointErrs = append(endpointErrs, fmt.Sprintf("%s: %v", endpoint, callErr))
				continue
			}

			parsed, parseErr := extractJSON(content)
			if parseErr == nil {
				parsed["model_used"] = c.model
				return parsed, nil
			}
			lastParseErr = parseErr

			if attempt == 0 {
				prompt = user + "\n\nYour previous response was invalid or truncated JSON.\n" +
					"Repair it and return ONLY valid JSON matching the schema.\n" +
					"Do not omit any required keys.\n" +
					"Previous response:\n" + strings.TrimSpace(content) + "\n\n" +
					jsonRepairPrompt
				tokens = max(maxTokens*2, 512)
			}
			break // re-enter the attempt loop with the repair prompt
		}
		if lastParseErr == nil {
			break // every endpoint failed at transport level; retrying is pointless
		}
	}

	if lastParseErr != nil {
		return nil, fmt.Errorf("watsonx: %w", lastParseErr)
	}
	if len(endpointErrs) > 0 {
		tail := endpointErrs
		if len(tail) > 3 {
			tail = tail[len(tail)-3:]
		}
		return nil, fmt.Errorf("watsonx: chat completion request failed: %s", strings.Join(tail, " | "))
	}
	return nil, errors.New("watsonx: unreadable response")
}

type watsonxRequest struct {
	Model       string          `json:"model"`
	ProjectID   string          `json:"project_id"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

// call sends one request to one endpoint and returns the first message's
// content.
func (c *watsonxClient) call(ctx context.Context, endpoint, token, system, user string, temperature float64, maxTokens int) (string, error) {
	reqBody := watsonxRequest{
		Model:       c.model,
		ProjectID:   c.projectID,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Watsonx-Project-Id", c.projectID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		location := resp.Header.Get("Location")
		if location == "" {
			location = "another URL"
		}
		return "", fmt.Errorf("redirected to %s; use the raw ml.cloud.ibm.com API host", location)
	}

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(respBytes))
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return "", fmt.Errorf("HTTP %d: %.200s", resp.StatusCode, detail)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("response did not contain a chat completion message")
	}

	return parsed.Choices[0].Message.Content, nil
}

// IsQuotaError reports whether an error string looks like a watsonx quota or
// permission block rather than a transient failure. The council uses this to
// pick the right failover note when synthesis falls back to the primary.
func IsQuotaError(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, marker := range []string{"quota", "token limit", "insufficient", "403", "permission", "not entitled", "exceeded"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
