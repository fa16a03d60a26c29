package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const iamTokenURL = "https://iam.cloud.ibm.com/identity/token"

// iamTokenSource exchanges an IBM Cloud API key for an IAM bearer token and
// caches it until shortly before expiry. Safe for concurrent use.
type iamTokenSource struct {
	apiKey     string
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newIAMTokenSource(apiKey string, httpClient *http.Client) *iamTokenSource {
	return &iamTokenSource{
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
}

// Token returns a valid bearer token, refreshing when the cached one has
// less than a minute of life left.
func (s *iamTokenSource) Token(ctx context.Context) (string, error) {
	if s.apiKey == "" {
		return "", fmt.Errorf("watsonx: IBM IAM API key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiresAt) > time.Minute {
		return s.token, nil
	}

	form := url.Values{
		"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"},
		"apikey":     {s.apiKey},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, iamTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("watsonx: build IAM request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("watsonx: IAM token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("watsonx: read IAM response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		detail := strings.TrimSpace(string(body))
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return "", fmt.Errorf("watsonx: IAM token request was rejected (%d): %.200s", resp.StatusCode, detail)
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("watsonx: unmarshal IAM response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("watsonx: IAM response missing access_token")
	}

	s.token = parsed.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return s.token, nil
}
