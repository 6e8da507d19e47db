// Package notify delivers user-facing notifications about deployments.
package notify

import (
	"context"
	"fmt"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

// Verbs used by the deployment orchestrator.
const (
	VerbDeployed    = "deployed"
	VerbFailed      = "failed"
	VerbRulesFailed = "rules_failed"
)

// Notifier defines the interface for delivering notifications.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Notify delivers n to its recipient.
	Notify(ctx context.Context, n models.Notification) error
}

// Multi delivers notifications to several backends.
type Multi struct {
	notifiers []Notifier
}

var _ Notifier = (*Multi)(nil)

// NewMulti creates a notifier that dispatches to all backends.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Name returns "multi".
func (m *Multi) Name() string {
	return "multi"
}

// Notify dispatches n to every backend. A failing backend does not stop the
// rest; the last error is returned.
func (m *Multi) Notify(ctx context.Context, n models.Notification) error {
	var lastErr error
	for _, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			lastErr = fmt.Errorf("%s: %w", nt.Name(), err)
		}
	}
	return lastErr
}

// Len returns the number of backends.
func (m *Multi) Len() int {
	return len(m.notifiers)
}
