package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/elonfeng/drugradar/pkg/event"
)

// Notification summarizes one fresh lookup.
type Notification struct {
	Title        string               `json:"title"`
	Direction    event.Direction      `json:"direction"`
	Subject      string               `json:"subject"`
	Observations int                  `json:"observations"`
	Top          []event.SummaryCount `json:"top"`
}

// Lines renders the top rows as "NAME (count)" strings, at most n of them.
func (n *Notification) Lines(limit int) []string {
	rows := n.Top
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("%s (%d)", r.Attribute, r.Count))
	}
	return lines
}

// Body is a one-paragraph plain text description.
func (n *Notification) Body() string {
	return fmt.Sprintf("%d observations stored for %s %s. Top %s: %s",
		n.Observations, n.Direction, n.Subject, n.Direction.Opposite().Plural(),
		strings.Join(n.Lines(5), ", "))
}

// Notifier delivers notifications to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new notification manager.
func NewManager(notifiers []Notifier) *Manager {
	return &Manager{notifiers: notifiers}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
