// Package presence tracks which identities are currently online in a room.
//
// A user counts as online while their last heartbeat is within the
// tracker's window. The room directory and open rooms read the same
// tracker, so both report the same number.
package presence

import (
	"context"
	"time"
)

type Tracker interface {
	// Touch records that userId was seen in roomId at the given time.
	Touch(ctx context.Context, roomId, userId string, at time.Time) error
	// Leave drops userId from roomId immediately.
	Leave(ctx context.Context, roomId, userId string) error
	// Online lists the distinct identities seen within the window before now, sorted.
	Online(ctx context.Context, roomId string, now time.Time) ([]string, error)
	// Forget removes all state for roomId.
	Forget(ctx context.Context, roomId string) error
}

// Count is a convenience wrapper around Tracker.Online.
func Count(ctx context.Context, t Tracker, roomId string, now time.Time) (int, error) {
	users, err := t.Online(ctx, roomId, now)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}
