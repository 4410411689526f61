// Package notify provides the outbound user-notification capability. Sends
// are best-effort and fire-and-forget: callers dispatch after their
// transaction commits, and a failed send is logged but never rolls anything
// back.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier delivers a short text message to the user identified by their
// platform id. Implementations must be safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, externalID, text string) error
}

// HTTPNotifier posts messages to a chat-bot gateway (Telegram-compatible
// sendMessage endpoint).
type HTTPNotifier struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPNotifier constructs an HTTPNotifier with a bounded request timeout.
func NewHTTPNotifier(baseURL, token string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send posts one message. Errors are returned for logging only; callers
// must not fail their operation on a send error.
func (n *HTTPNotifier) Send(ctx context.Context, externalID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": externalID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: status %d", resp.StatusCode)
	}
	return nil
}

// Nop is a Notifier that drops every message. Used when no gateway is
// configured and in tests.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, string, string) error { return nil }

// Async dispatches a send on its own goroutine with a detached timeout and
// logs failures. This is the helper services use after commit.
func Async(n Notifier, externalID, text string) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := n.Send(ctx, externalID, text); err != nil {
			log.Warn().Err(err).Str("external_id", externalID).Msg("notification send failed")
		}
	}()
}
