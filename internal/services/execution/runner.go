package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Request is one program to run.
type Request struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// Result is what the sandbox reports back.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit"`
	TimedOut bool   `json:"timedOut"`
}

// HTTPRunner runs code on a sandbox service: POST {language, code} to
// BaseURL/run, answered with {stdout, stderr, exit, timedOut}.
type HTTPRunner struct {
	BaseURL string
	client  *http.Client
}

func NewHTTPRunner(baseURL string) *HTTPRunner {
	return &HTTPRunner{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (r *HTTPRunner) Run(ctx context.Context, req Request) (*Result, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/run", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach sandbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sandbox request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox response: %w", err)
	}
	return &result, nil
}
