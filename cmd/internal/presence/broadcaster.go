package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"pairhub/cmd/identity"
	v1 "pairhub/contracts/realtime/v1"

	"golang.org/x/sync/errgroup"
)

const defaultFanoutConcurrency = 32

// Broadcaster fans presence events out to live sessions.
// Delivery is best-effort per target: failures are logged and skipped.
type Broadcaster struct {
	log         *slog.Logger
	store       identity.Querier
	registry    *Registry
	directory   *Directory
	metrics     Metrics
	concurrency int
}

// NewBroadcaster constructs a Broadcaster. concurrency <= 0 selects a default.
func NewBroadcaster(log *slog.Logger, store identity.Querier, registry *Registry, directory *Directory, metrics Metrics, concurrency int) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if concurrency <= 0 {
		concurrency = defaultFanoutConcurrency
	}
	return &Broadcaster{
		log:         log,
		store:       store,
		registry:    registry,
		directory:   directory,
		metrics:     metrics,
		concurrency: concurrency,
	}
}

// NotifyPresenceAdded tells uid's mutually active peers that it became present as ci.
// It returns the number of sessions the event was delivered to.
func (b *Broadcaster) NotifyPresenceAdded(ctx context.Context, uid, ci string) (int, error) {
	return b.notifyPeers(ctx, uid, v1.TypePeerPresenceAdded, ci)
}

// NotifyPresenceRemoved tells uid's mutually active peers that ci left.
// Call it before uid's presence token is cleared.
func (b *Broadcaster) NotifyPresenceRemoved(ctx context.Context, uid, ci string) (int, error) {
	return b.notifyPeers(ctx, uid, v1.TypePeerPresenceRemoved, ci)
}

func (b *Broadcaster) notifyPeers(ctx context.Context, uid, eventType, ci string) (int, error) {
	peers, err := b.directory.MutualActivePeers(ctx, uid)
	if err != nil {
		return 0, err
	}
	targets := b.registry.Resolve(peers)
	if len(targets) < len(peers) {
		b.log.Debug("presence.notify.unreachable", "uid", uid, "type", eventType, "peers", len(peers), "reachable", len(targets))
	}
	return b.deliver(ctx, targets, eventType, v1.PeerPresencePayload{CharacterIdentification: ci}), nil
}

// BroadcastOnlineCount sends the current number of present users to every session.
func (b *Broadcaster) BroadcastOnlineCount(ctx context.Context) (int, error) {
	n, err := b.store.CountPresent(ctx)
	if err != nil {
		return 0, fmt.Errorf("presence: count present: %w", err)
	}
	b.deliver(ctx, b.registry.Connections(), v1.TypeOnlineCount, v1.OnlineCountPayload{Count: n})
	return n, nil
}

// BroadcastSystemInfo pushes snap to every session.
func (b *Broadcaster) BroadcastSystemInfo(ctx context.Context, snap v1.SystemInfo) int {
	return b.deliver(ctx, b.registry.Connections(), v1.TypeSystemInfo, snap)
}

// Unicast delivers a single event to c.
func (b *Broadcaster) Unicast(ctx context.Context, c *Conn, eventType string, payload any) error {
	if c == nil || c.Session == nil {
		return nil
	}
	err := c.Session.Send(ctx, eventType, payload)
	b.metrics.Delivered(eventType, err == nil)
	return err
}

func (b *Broadcaster) deliver(ctx context.Context, targets []*Conn, eventType string, payload any) int {
	if len(targets) == 0 {
		return 0
	}

	var delivered atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, c := range targets {
		g.Go(func() error {
			if err := b.Unicast(gctx, c, eventType, payload); err != nil {
				b.log.Debug("presence.deliver.drop", "session_id", c.ID(), "type", eventType, "err", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}
