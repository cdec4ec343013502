package presence

import (
	"context"
	"fmt"
	"log/slog"

	"pairhub/cmd/identity"
)

// Reaper deletes placeholders an identity announced but never finished uploading.
type Reaper struct {
	log *slog.Logger
}

func NewReaper(log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{log: log}
}

// ReapOrphans removes every unfinished upload of uid using q, which is
// expected to be the transaction that also clears uid's presence.
func (r *Reaper) ReapOrphans(ctx context.Context, q identity.Querier, uid string) (int64, error) {
	if uid == "" {
		return 0, nil
	}
	n, err := q.DeleteUnfinishedUploads(ctx, uid)
	if err != nil {
		return 0, fmt.Errorf("presence: reap orphans: %w", err)
	}
	if n > 0 {
		r.log.Debug("presence.reap", "uid", uid, "deleted", n)
	}
	return n, nil
}
