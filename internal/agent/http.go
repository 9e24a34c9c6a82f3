package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// retry policy for transient wake failures.
const (
	wakeAttempts  = 3
	wakeRetryBase = 2 * time.Second
)

// HTTPWaker wakes the agent by posting the trigger context to its
// wake endpoint. Transient failures (5xx, connection errors) are
// retried with backoff; 4xx responses fail immediately.
type HTTPWaker struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPWaker creates a waker for the agent at baseURL.
func NewHTTPWaker(baseURL, token string, logger *slog.Logger) *HTTPWaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPWaker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}
}

// Wake implements Waker.
func (w *HTTPWaker) Wake(ctx context.Context, tc TriggerContext) (string, error) {
	body, err := json.Marshal(tc)
	if err != nil {
		return "", fmt.Errorf("marshal trigger context: %w", err)
	}

	var lastErr error
	for attempt := range wakeAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wakeRetryBase << (attempt - 1)):
			}
		}

		turnID, retryable, err := w.post(ctx, body)
		if err == nil {
			return turnID, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
		w.logger.Warn("agent wake attempt failed",
			"attempt", attempt+1, "conversation_id", tc.ConversationID, "error", err)
	}
	return "", fmt.Errorf("wake agent after %d attempts: %w", wakeAttempts, lastErr)
}

func (w *HTTPWaker) post(ctx context.Context, body []byte) (turnID string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/wake", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("agent returned %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("agent returned %s", resp.Status)
	}

	var out struct {
		TurnID string `json:"turn_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode wake response: %w", err)
	}
	return out.TurnID, false, nil
}
