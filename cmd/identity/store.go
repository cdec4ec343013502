package identity

import (
	"context"
	"time"
)

// User is a permanent account. CharacterIdentification is empty while the
// user is not present.
type User struct {
	UID                     string
	IsModerator             bool
	IsAdmin                 bool
	LastLoggedIn            *time.Time
	CharacterIdentification string
}

// Present reports whether the user currently has a presence token.
func (u User) Present() bool { return u.CharacterIdentification != "" }

// Pair is one directional consent edge Owner -> Other.
// A mutual relationship is two Pair rows, each independently pausable.
type Pair struct {
	Owner                  string
	Other                  string
	IsPaused               bool
	AllowReceivingMessages bool
}

// OutgoingPair is an unpaused Pair joined with the other side's presence token.
type OutgoingPair struct {
	Pair
	OtherCharacterIdentification string
}

// PendingUpload is a file placeholder announced by Uploader.
// Rows with Uploaded=false are garbage once the uploader disconnects.
type PendingUpload struct {
	Hash      string
	Uploader  string
	Uploaded  bool
	CreatedAt time.Time
}

// BannedIdentification blocks a character identification from becoming present.
type BannedIdentification struct {
	CharacterIdentification string
	Reason                  string
}

// Querier is the set of record operations the presence core performs.
//
// Requirements:
//   - MarkPresent sets the presence token only if it is currently empty (atomic per row).
//   - ClearPresence clears it only if it still equals the given token (atomic per row).
//   - Query methods return empty slices, not errors, for identities without rows.
type Querier interface {
	// GetUser returns ErrNotFound when uid does not exist.
	GetUser(ctx context.Context, uid string) (User, error)
	IsBanned(ctx context.Context, characterIdentification string) (bool, error)

	MarkPresent(ctx context.Context, uid, characterIdentification string, now time.Time) (bool, error)
	ClearPresence(ctx context.Context, uid, characterIdentification string) (bool, error)
	CountPresent(ctx context.Context) (int, error)

	// OutgoingPairs returns owner's unpaused pairs ordered by Other.
	OutgoingPairs(ctx context.Context, owner string) ([]OutgoingPair, error)
	// ReciprocatingOwners returns the subset of owners holding an unpaused pair towards other.
	ReciprocatingOwners(ctx context.Context, owners []string, other string) ([]string, error)

	DeleteUnfinishedUploads(ctx context.Context, uploader string) (int64, error)
}

// Store is the durable record boundary.
type Store interface {
	Querier

	// RunInTx runs fn as one unit of work. fn must only use the Querier it receives.
	RunInTx(ctx context.Context, fn func(q Querier) error) error
	Close() error
}
