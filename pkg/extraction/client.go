package extraction

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

	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

// ErrDisabled is returned when extraction is switched off.
var ErrDisabled = errors.New("extraction disabled")

// Fields is the structured output of the extraction service.
type Fields struct {
	Carrier        string `json:"carrier"`
	PolicyNumber   string `json:"policy_number"`
	EffectiveDate  string `json:"effective_date"`
	ExpirationDate string `json:"expiration_date"`
	EachOccurrence string `json:"each_occurrence"`
	Aggregate      string `json:"aggregate"`
	PerClaim       string `json:"per_claim"`
}

// Empty reports whether the service returned nothing usable.
func (f Fields) Empty() bool {
	return f == Fields{}
}

type request struct {
	DocumentURL string   `json:"document_url"`
	PolicyType  string   `json:"policy_type"`
	Schema      []string `json:"schema"`
}

var fieldSchema = []string{"carrier", "policy_number", "effective_date", "expiration_date", "each_occurrence", "aggregate", "per_claim"}

// Client calls the external field extraction service. Callers treat any error as "no fields".
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	retries int
	http    *http.Client
}

// NewClient builds a client, or nil when extraction is disabled.
func NewClient(cfg config.ExtractionConfig) *Client {
	if !cfg.Enabled || cfg.URL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		url:     strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		retries: retries,
		http:    &http.Client{},
	}
}

// Extract asks the service for the policy fields of the document at documentURL. Each attempt is
// bounded by the configured timeout; 4xx responses are not retried.
func (c *Client) Extract(ctx context.Context, documentURL, policyType string) (*Fields, error) {
	if c == nil {
		return nil, ErrDisabled
	}
	payload, err := json.Marshal(request{DocumentURL: documentURL, PolicyType: policyType, Schema: fieldSchema})
	if err != nil {
		return nil, fmt.Errorf("encode extraction request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		fields, retryable, err := c.do(ctx, payload)
		if err == nil {
			return fields, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, payload []byte) (*Fields, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url+"/extract", bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("call extraction service: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read extraction response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("extraction service returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("extraction service returned %d", resp.StatusCode)
	}

	var fields Fields
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, false, fmt.Errorf("decode extraction response: %w", err)
	}
	return &fields, false, nil
}
