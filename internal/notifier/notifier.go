// Package notifier pushes download outcome notifications to external
// messaging services.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/tubefetch/tubefetch/internal/engine"
)

type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// DiscordNotifier posts plain content messages to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

// FormatOutcome renders a terminal task snapshot as a notification message.
func FormatOutcome(task engine.TaskSnapshot) string {
	name := task.Title
	if name == "" {
		name = task.URL
	}

	switch task.Status {
	case engine.TaskCompleted:
		return fmt.Sprintf("✅ Download finished: %s (%s)", name, humanize.IBytes(uint64(task.Downloaded)))
	case engine.TaskFailed:
		return fmt.Sprintf("❌ Download failed: %s: %s", name, task.Error)
	case engine.TaskCancelled:
		return fmt.Sprintf("🚫 Download cancelled: %s", name)
	default:
		return ""
	}
}
