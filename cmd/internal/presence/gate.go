package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pairhub/cmd/identity"
	v1 "pairhub/contracts/realtime/v1"
)

// Gate validates a heartbeat's proposed character identification and, when
// admissible, atomically records it as the identity's presence token.
type Gate struct {
	log   *slog.Logger
	store identity.Querier
	now   func() time.Time
}

// NewGate constructs a Gate. now defaults to time.Now.
func NewGate(log *slog.Logger, store identity.Querier, now func() time.Time) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{log: log, store: store, now: now}
}

// MinimalResult is the only ConnectionResult an unidentified caller sees.
func MinimalResult() v1.ConnectionResult {
	return v1.ConnectionResult{ServerVersion: v1.ServerVersion}
}

// Authenticate reports whether uid became identified with proposed.
//
// Unauthenticated callers, banned tokens and duplicate heartbeats all yield the
// minimal result with ok=false and no error. Store failures are returned with
// the minimal result.
func (g *Gate) Authenticate(ctx context.Context, uid, proposed string) (v1.ConnectionResult, bool, error) {
	uid = identity.NormalizeUID(uid)
	proposed = identity.NormalizeCharacterIdentification(proposed)

	if !identity.ValidUID(uid) || !identity.ValidCharacterIdentification(proposed) {
		return MinimalResult(), false, nil
	}

	banned, err := g.store.IsBanned(ctx, proposed)
	if err != nil {
		return MinimalResult(), false, fmt.Errorf("presence: ban lookup: %w", err)
	}
	if banned {
		g.log.Info("presence.heartbeat.banned")
		return MinimalResult(), false, nil
	}

	user, err := g.store.GetUser(ctx, uid)
	if err != nil {
		if identity.IsNotFound(err) {
			g.log.Debug("presence.heartbeat.unknown_uid", "uid", uid)
			return MinimalResult(), false, nil
		}
		return MinimalResult(), false, fmt.Errorf("presence: get user: %w", err)
	}
	if user.Present() {
		return MinimalResult(), false, nil
	}

	ok, err := g.store.MarkPresent(ctx, uid, proposed, g.now().UTC())
	if err != nil {
		return MinimalResult(), false, fmt.Errorf("presence: mark present: %w", err)
	}
	if !ok {
		// Lost a race with a concurrent heartbeat for the same uid.
		return MinimalResult(), false, nil
	}

	return v1.ConnectionResult{
		ServerVersion: v1.ServerVersion,
		UID:           user.UID,
		IsModerator:   user.IsModerator,
		IsAdmin:       user.IsAdmin,
	}, true, nil
}
