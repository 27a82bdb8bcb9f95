// Package reporting posts unexpected errors and panics to an optional
// webhook: a best-effort, bounded-timeout notification channel for the
// operator, never a blocking dependency of the request path it's reporting
// on.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
)

// postTimeout bounds every webhook POST.
const postTimeout = 5 * time.Second

// Reporter posts structured error/panic reports to a configured webhook URL.
// A zero-value Reporter (empty URL) silently drops every report.
type Reporter struct {
	url    string
	client *http.Client
}

// New creates a Reporter. An empty url makes every Report/ReportPanic call a
// no-op, so callers can construct one unconditionally from config.
func New(url string) *Reporter {
	return &Reporter{
		url:    url,
		client: &http.Client{Timeout: postTimeout},
	}
}

type payload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Report sends an error report. Errors posting the
// report itself are logged, never propagated — a reporting failure must
// never become a second incident.
func (r *Reporter) Report(kind, message, detail string) {
	if r == nil || r.url == "" {
		return
	}
	r.post(payload{Kind: kind, Message: message, Detail: detail})
}

// ReportPanic sends a panic report synchronously. Callers must re-panic
// after this returns.
func (r *Reporter) ReportPanic(recovered any, stack []byte) {
	if r == nil || r.url == "" {
		return
	}
	r.post(payload{
		Kind:    "panic",
		Message: toMessage(recovered),
		Detail:  string(stack),
	})
}

func toMessage(recovered any) string {
	if err, ok := recovered.(error); ok {
		return err.Error()
	}
	return "panic"
}

func (r *Reporter) post(p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		logger.Errorf("reporting: encode payload: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		logger.Errorf("reporting: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Warnf("reporting: webhook post failed: %v", err)
		return
	}
	_ = resp.Body.Close()
}
