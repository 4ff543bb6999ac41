package channels

import (
	"context"

	"github.com/basket/lifeline/internal/persistence"
)

// Source is a messaging platform that feeds the inbox.
type Source interface {
	// Name returns the unique name of the source (e.g., "telegram").
	Name() string

	// Poll fetches messages that arrived since the previous call. It must not block
	// past ctx; long-lived listening belongs to the caller's tick cadence.
	Poll(ctx context.Context) ([]persistence.InboxMessage, error)
}
