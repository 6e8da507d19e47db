package notify

import (
	"context"
	"fmt"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

// InboxStore is the part of the repository the inbox writes to.
type InboxStore interface {
	AddNotification(ctx context.Context, n *models.Notification) error
}

// InboxNotifier stores notifications in the recipient's inbox.
type InboxNotifier struct {
	store InboxStore
}

// NewInboxNotifier creates a notifier backed by the repository.
func NewInboxNotifier(s InboxStore) *InboxNotifier {
	return &InboxNotifier{store: s}
}

// Name returns "inbox".
func (i *InboxNotifier) Name() string {
	return "inbox"
}

// Notify stores n unread.
func (i *InboxNotifier) Notify(ctx context.Context, n models.Notification) error {
	if n.Recipient == "" {
		return fmt.Errorf("notification %q has no recipient", n.Verb)
	}
	n.ID = 0
	n.Read = false
	if err := i.store.AddNotification(ctx, &n); err != nil {
		return fmt.Errorf("storing notification: %w", err)
	}
	return nil
}
