package services

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

	"golang.org/x/time/rate"
)

// Completion oracle outcomes. Success aside, every outcome is distinct so the
// generator can log precisely what happened; all of them are soft failures
// that feed the next fallback tier.
var (
	ErrCompletionRefused    = errors.New("completion oracle refused the request")
	ErrCompletionIncomplete = errors.New("completion oracle stopped before finishing")
	ErrCompletionMalformed  = errors.New("completion output is not valid JSON")
	ErrCompletionSchema     = errors.New("completion output missing required body")
	ErrCompletionTimeout    = errors.New("completion request timed out")
)

// completionTokenBudget bounds output size per draft.
const completionTokenBudget = 900

// draftOutputSchema constrains the oracle to a JSON object with a non-empty
// body. Title is optional.
var draftOutputSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"title": map[string]interface{}{
			"type":        "string",
			"description": "Short title for the diary draft (optional, may be empty)",
		},
		"body": map[string]interface{}{
			"type":        "string",
			"description": "The diary draft body text",
		},
	},
	"required":             []string{"title", "body"},
	"additionalProperties": false,
}

// CompletionDraft is the oracle's validated structured output.
type CompletionDraft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CompletionService calls an OpenAI-compatible chat completions API with
// strict structured output. A nil *CompletionService means no oracle is
// configured and generation starts at the deterministic tier.
type CompletionService struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	limiter *rate.Limiter
	http    *http.Client
}

// NewCompletionService creates a completion oracle client, or nil when no
// base URL is configured. The limiter bounds outbound oracle calls per
// instance so a burst of draft requests cannot flood the provider.
func NewCompletionService(baseURL, apiKey, model string, timeout time.Duration) *CompletionService {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &CompletionService{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(2), 4), // 2 calls/s, burst 4
		http:    &http.Client{Timeout: timeout},
	}
}

// CompleteDraft sends the prompts and returns the validated draft. safetyID
// is the hashed abuse-tracking identifier - never the raw user id.
func (s *CompletionService) CompleteDraft(ctx context.Context, systemPrompt, userPrompt, safetyID string) (*CompletionDraft, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("completion rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	requestBody := map[string]interface{}{
		"model": s.model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
		"stream":      false,
		"temperature": 0.7,
		"max_tokens":  completionTokenBudget,
		"user":        safetyID,
		"response_format": map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   "diary_draft",
				"strict": true,
				"schema": draftOutputSchema,
			},
		},
	}

	reqBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrCompletionTimeout
		}
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion API error (status %d): %s", resp.StatusCode, string(body))
	}

	var apiResponse struct {
		Choices []struct {
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse completion API response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("completion API returned no choices")
	}

	choice := apiResponse.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("%w: %s", ErrCompletionRefused, choice.Message.Refusal)
	}
	if choice.FinishReason == "length" {
		return nil, ErrCompletionIncomplete
	}

	var draft CompletionDraft
	if err := json.Unmarshal([]byte(choice.Message.Content), &draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompletionMalformed, err)
	}
	if strings.TrimSpace(draft.Body) == "" {
		return nil, ErrCompletionSchema
	}

	return &draft, nil
}
