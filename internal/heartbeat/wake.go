package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/lifeline/internal/persistence"
)

const (
	// DefaultWakeDedupTTL suppresses a repeated wake reason for this long.
	DefaultWakeDedupTTL = 5 * time.Minute

	WakeSourceHeartbeat = "heartbeat"
)

var wakeNamespace = uuid.MustParse("6f1d3c2e-8a4b-4e57-9c0d-2b7a1e5f4c93")

// WakeDedupKey is the dedup key for a wake raised by task with message. Identical
// messages from the same task collapse to one key.
func WakeDedupKey(task, message string) string {
	return "wake:" + task + ":" + uuid.NewSHA1(wakeNamespace, []byte(message)).String()
}

// PushWake appends a wake event unless dedupKey was already used within ttl.
// It returns the new event id and whether a row was pushed. An empty key disables dedup.
// A failed push releases the key again.
func PushWake(ctx context.Context, store *persistence.Store, source, reason, payload, dedupKey string, ttl time.Duration) (int64, bool, error) {
	if dedupKey != "" {
		if ttl <= 0 {
			ttl = DefaultWakeDedupTTL
		}
		fresh, err := store.TryInsertDedup(ctx, dedupKey, reason, ttl)
		if err != nil {
			return 0, false, fmt.Errorf("dedup wake: %w", err)
		}
		if !fresh {
			return 0, false, nil
		}
	}
	id, err := store.PushWake(ctx, source, reason, payload)
	if err != nil {
		if dedupKey != "" {
			// Nothing was pushed, so the key must not suppress the retry.
			if relErr := store.ReleaseDedup(context.WithoutCancel(ctx), dedupKey); relErr != nil {
				return 0, false, errors.Join(err, relErr)
			}
		}
		return 0, false, err
	}
	return id, true, nil
}
