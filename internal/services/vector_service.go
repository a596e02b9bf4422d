package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"daybreak/internal/models"
)

// VectorService talks to the external vector search oracle over HTTP. The
// oracle scores past entries against a free-text query within a per-user
// namespace; embedding internals live on the other side of this contract.
// A nil *VectorService means no index is configured.
type VectorService struct {
	baseURL string
	apiKey  string
	topK    int
	http    *http.Client
}

// VectorSearchRequest queries the index. BeforeDate is an exclusive upper
// bound: a draft for date D must never draw on material from D or later.
type VectorSearchRequest struct {
	Namespace  string `json:"namespace"` // userId
	Query      string `json:"query"`
	TopK       int    `json:"topK"`
	BeforeDate string `json:"beforeDate,omitempty"` // YYYY-MM-DD, exclusive
}

// VectorUpsertRequest writes one entry's text into the index.
type VectorUpsertRequest struct {
	Namespace string `json:"namespace"` // userId
	ID        string `json:"id"`
	Date      string `json:"date"`
	Text      string `json:"text"`
}

// NewVectorService creates a vector oracle client, or nil when no URL is
// configured.
func NewVectorService(baseURL, apiKey string, topK int) *VectorService {
	if baseURL == "" {
		return nil
	}
	if topK <= 0 {
		topK = 8
	}
	return &VectorService{
		baseURL: baseURL,
		apiKey:  apiKey,
		topK:    topK,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// TopK returns the configured result budget.
func (v *VectorService) TopK() int {
	return v.topK
}

// Search returns ranked fragments for the query. Results dated on/after
// BeforeDate are excluded by the oracle.
func (v *VectorService) Search(ctx context.Context, req VectorSearchRequest) ([]models.SourceFragment, error) {
	if req.TopK <= 0 {
		req.TopK = v.topK
	}

	var resp struct {
		Results []models.SourceFragment `json:"results"`
	}
	if err := v.post(ctx, "/v1/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Upsert writes an entry's text into the index under the user's namespace.
func (v *VectorService) Upsert(ctx context.Context, req VectorUpsertRequest) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	return v.post(ctx, "/v1/upsert", req, &resp)
}

func (v *VectorService) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal vector request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create vector request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if v.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+v.apiKey)
	}

	resp, err := v.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("vector service request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read vector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector service error (status %d): %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse vector response: %w", err)
	}
	return nil
}
