package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"supertask/internal/errors"
)

type httpStep struct {
	client *http.Client
}

func newHTTPStep() *httpStep {
	return &httpStep{client: &http.Client{Timeout: 30 * time.Second}}
}

type webhookBody struct {
	Job       string         `json:"job"`
	Namespace string         `json:"namespace"`
	FiredAt   time.Time      `json:"fired_at"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
}

// run POSTs the invocation as JSON to the step target. Any status outside
// 2xx fails the step.
func (h *httpStep) run(ctx context.Context, inv Invocation) error {
	body, err := json.Marshal(webhookBody{
		Job:       inv.Job.ID,
		Namespace: inv.Job.Namespace,
		FiredAt:   inv.FiredAt.UTC(),
		Args:      inv.Step.Args,
		Kwargs:    inv.Step.Kwargs,
	})
	if err != nil {
		return errors.Wrap(err, "encode webhook body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.Step.Target, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "supertask")

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook")
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.WithDetail(errors.Newf("webhook %s: %s", inv.Step.Target, resp.Status), string(snippet))
	}
	return nil
}
