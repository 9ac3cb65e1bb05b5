package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elonfeng/drugradar/pkg/event"
)

// LookupEvent is the JSON document posted by Webhook. Drug and Reaction
// name the two sides of the lookup; the side that was not looked up is empty.
type LookupEvent struct {
	Event        string          `json:"event"`
	SentAt       time.Time       `json:"sent_at"`
	Direction    event.Direction `json:"direction"`
	Drug         string          `json:"drug,omitempty"`
	Reaction     string          `json:"reaction,omitempty"`
	Observations int             `json:"observations"`
	Top          []RankedCount   `json:"top"`
	Summary      string          `json:"summary"`
}

// RankedCount is one row of the upstream count summary.
type RankedCount struct {
	Rank  int    `json:"rank"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// NewLookupEvent converts a notification into the webhook document.
func NewLookupEvent(n *Notification, at time.Time) LookupEvent {
	ev := LookupEvent{
		Event:        "lookup.completed",
		SentAt:       at.UTC(),
		Direction:    n.Direction,
		Observations: n.Observations,
		Top:          make([]RankedCount, 0, len(n.Top)),
		Summary:      n.Body(),
	}
	if n.Direction == event.ByReaction {
		ev.Reaction = n.Subject
	} else {
		ev.Drug = n.Subject
	}
	for _, r := range n.Top {
		ev.Top = append(ev.Top, RankedCount{Rank: r.Rank + 1, Name: r.Attribute, Count: r.Count})
	}
	return ev
}

// Webhook posts a signed LookupEvent to a generic HTTP endpoint.
type Webhook struct {
	client *http.Client
	url    string
	secret string
	now    func() time.Time
}

// NewWebhook creates a new generic webhook notifier.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
		now:    time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(NewLookupEvent(n, w.now()))
	if err != nil {
		return fmt.Errorf("marshal lookup event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "drugradar/1.0")
	req.Header.Set("X-Drugradar-Event", "lookup.completed")
	if w.secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post lookup event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.url, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
