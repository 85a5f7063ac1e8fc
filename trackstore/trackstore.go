// Package trackstore persists the per-user state the sieve engine needs
// across deliveries: which duplicate ids were seen inside their window,
// and when a vacation response last went to a sender. Two backends are
// provided, SQLite for single-node setups and PostgreSQL for clusters.
package trackstore

import (
	"context"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"github.com/migadu/sieve/consts"
	"github.com/migadu/sieve/interp"
)

// Store is the tracking backend contract. Identifiers are hashed before
// storage, so arbitrary message-ids and handles never hit the schema.
type Store interface {
	// SeenDuplicate reports whether id was tracked for the user and has
	// not expired.
	SeenDuplicate(ctx context.Context, userID, id string) (bool, error)
	// TrackDuplicate records id for the user with the given lifetime.
	TrackDuplicate(ctx context.Context, userID, id string, lifetime time.Duration) error

	// LastVacationResponse returns when a response for this handle last
	// went to sender, with ok false when none was recorded.
	LastVacationResponse(ctx context.Context, userID, handle, sender string) (time.Time, bool, error)
	// RecordVacationResponse notes that a response went out now.
	RecordVacationResponse(ctx context.Context, userID, handle, sender string) error

	// Cleanup removes expired rows.
	Cleanup(ctx context.Context) error

	Close() error
}

// hashID collapses an arbitrary identifier to a fixed-width hex key.
func hashID(id string) string {
	sum := blake3.Sum256([]byte(id))
	return fmt.Sprintf("%x", sum[:16])
}

// BindDuplicate adapts a store to the interpreter's duplicate capability
// for one user.
func BindDuplicate(store Store, userID string) *interp.Duplicate {
	return &interp.Duplicate{
		Check: func(dc *interp.DuplicateContext, _ *interp.RunContext) (bool, error) {
			return store.SeenDuplicate(context.Background(), userID, dc.ID)
		},
		Track: func(dc *interp.DuplicateContext, _ *interp.RunContext) error {
			return store.TrackDuplicate(context.Background(), userID, dc.ID,
				time.Duration(dc.Seconds)*time.Second)
		},
	}
}

// BindVacation adapts a store to the vacation capability's autorespond
// phase: a sender who got a response for the same handle inside the
// response window is suppressed with ErrDone. The send phase is supplied
// by the caller, typically delivery.VacationResponder.
func BindVacation(store Store, userID string, send interp.SendResponseFunc) *interp.Vacation {
	return &interp.Vacation{
		Autorespond: func(ac *interp.AutorespondContext, _ *interp.RunContext) error {
			ctx := context.Background()
			last, ok, err := store.LastVacationResponse(ctx, userID, ac.Handle, ac.Sender)
			if err != nil {
				return err
			}
			if ok && time.Since(last) < time.Duration(ac.Seconds)*time.Second {
				return consts.ErrDone
			}
			return store.RecordVacationResponse(ctx, userID, ac.Handle, ac.Sender)
		},
		SendResponse: send,
	}
}
