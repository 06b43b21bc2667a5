package kingdom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultTimeout bounds one report request.
const defaultTimeout = 10 * time.Second

// HTTPReporter posts reports as JSON to the kingdom:
// POST {base}/computations/{globalId}/{status|failure|result}.
type HTTPReporter struct {
	baseURL string       // baseURL is the kingdom's root URL
	client  *http.Client // client sends the requests
}

// NewHTTPReporter creates a reporter for the kingdom at baseURL.
func NewHTTPReporter(baseURL string) *HTTPReporter {
	return &HTTPReporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
	}
}

// ReportStatus implements Reporter.
func (h *HTTPReporter) ReportStatus(ctx context.Context, s Status) error {
	return h.post(ctx, s.GlobalID, "status", s)
}

// ReportFailure implements Reporter.
func (h *HTTPReporter) ReportFailure(ctx context.Context, f Failure) error {
	return h.post(ctx, f.GlobalID, "failure", f)
}

// ReportResult implements Reporter.
func (h *HTTPReporter) ReportResult(ctx context.Context, r Result) error {
	return h.post(ctx, r.GlobalID, "result", r)
}

// post sends body as JSON and expects a 2xx answer.
func (h *HTTPReporter) post(ctx context.Context, globalID, kind string, body any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s:\n%w", kind, err)
	}

	target := h.baseURL + "/computations/" + url.PathEscape(globalID) + "/" + kind

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", target, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s: status %d", target, resp.StatusCode)
	}

	return nil
}
