package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/c360/studymatch/errors"
)

const (
	defaultEvaluatePath = "/evaluate/stream"

	// errorBodyLimit caps how much of a failed response body is read for
	// the error message
	errorBodyLimit = 4 * 1024
)

// PromptOverrides optionally replaces individual pipeline prompts
type PromptOverrides struct {
	BackgroundPrompt    *string `json:"background_prompt,omitempty"`
	InitialEvalPrompt   *string `json:"initial_eval_prompt,omitempty"`
	LikelyGroupPrompt   *string `json:"likely_group_prompt,omitempty"`
	LikelyComparePrompt *string `json:"likely_compare_prompt,omitempty"`
	UnsureReviewPrompt  *string `json:"unsure_review_prompt,omitempty"`
	SummaryPrompt       *string `json:"summary_prompt,omitempty"`
	PDFPrompt           *string `json:"pdf_prompt,omitempty"`
}

// EvaluateRequest is the JSON body sent to the upstream pipeline. Report and
// studies are supplied by the data-fetching layer and passed through opaquely;
// the orchestrator validates their shape, not their domain semantics.
type EvaluateRequest struct {
	Report          json.RawMessage   `json:"report"`
	Studies         []json.RawMessage `json:"studies"`
	Model           string            `json:"model,omitempty"`
	IncludePDF      *bool             `json:"include_pdf,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	PromptOverrides *PromptOverrides  `json:"prompt_overrides,omitempty"`
}

// Validate checks the request shape
func (r *EvaluateRequest) Validate() error {
	if len(r.Report) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "EvaluateRequest", "Validate",
			"report is required")
	}
	if len(r.Studies) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "EvaluateRequest", "Validate",
			"at least one candidate study is required")
	}
	return nil
}

// Client opens evaluation streams against the upstream pipeline
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// NewClient creates a stream client for the given upstream base URL
func NewClient(baseURL, path string) (*Client, error) {
	if baseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient",
			"upstream base URL is required")
	}
	if path == "" {
		path = defaultEvaluatePath
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    path,
		// No overall timeout: the response body is a long-lived stream.
		// Cancellation happens through the request context.
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}, nil
}

// OpenStream issues the evaluation request and returns the response body as
// a raw byte stream. The stream is canceled by canceling ctx; the caller
// must close the returned reader.
func (c *Client) OpenStream(ctx context.Context, req *EvaluateRequest) (io.ReadCloser, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapFatal(err, "Client", "OpenStream", "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapFatal(err, "Client", "OpenStream", "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "OpenStream", "connect upstream")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		_ = resp.Body.Close()
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %d %s: %s", errors.ErrUpstreamStatus,
				resp.StatusCode, resp.Status, strings.TrimSpace(string(msg))),
			"Client", "OpenStream", "upstream request")
	}

	return resp.Body, nil
}
