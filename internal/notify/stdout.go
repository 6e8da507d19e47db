package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

// StdoutNotifier prints notifications to a writer, stdout by default.
type StdoutNotifier struct {
	w io.Writer
}

// NewStdoutNotifier creates a new stdout notifier.
func NewStdoutNotifier() *StdoutNotifier {
	return &StdoutNotifier{w: os.Stdout}
}

// Name returns "stdout".
func (s *StdoutNotifier) Name() string {
	return "stdout"
}

// Notify prints the notification.
func (s *StdoutNotifier) Notify(_ context.Context, n models.Notification) error {
	ts := n.Created
	if ts.IsZero() {
		ts = time.Now()
	}
	line := fmt.Sprintf("%s [%s] @%s %s", verbIcon(n.Verb), ts.Format(time.RFC3339), n.Recipient, n.Verb)
	if n.Description != "" {
		line += ": " + n.Description
	}
	_, err := fmt.Fprintln(s.w, line)
	return err
}

func verbIcon(verb string) string {
	switch verb {
	case VerbRulesFailed, VerbFailed:
		return "[FAIL]"
	case VerbDeployed:
		return "[ OK ]"
	default:
		return "[----]"
	}
}
