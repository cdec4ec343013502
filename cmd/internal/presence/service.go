package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pairhub/cmd/identity"
	v1 "pairhub/contracts/realtime/v1"
)

// errSuperseded aborts the disconnect transaction when a newer session owns presence.
var errSuperseded = errors.New("presence: superseded")

// Service drives the connection lifecycle: connect, identify by heartbeat,
// disconnect.
type Service struct {
	log   *slog.Logger
	store identity.Store
	now   func() time.Time

	metrics     Metrics
	sysinfo     SystemInfoProvider
	concurrency int

	registry    *Registry
	directory   *Directory
	gate        *Gate
	reaper      *Reaper
	broadcaster *Broadcaster
}

// Option configures a Service.
type Option func(*Service)

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithSystemInfo(p SystemInfoProvider) Option {
	return func(s *Service) {
		if p != nil {
			s.sysinfo = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFanoutConcurrency bounds concurrent deliveries per broadcast.
func WithFanoutConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

// NewService wires the core components over store.
func NewService(log *slog.Logger, store identity.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("presence: nil store")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		log:      log,
		store:    store,
		now:      time.Now,
		metrics:  NopMetrics{},
		sysinfo:  StaticSystemInfo{},
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.directory = NewDirectory(store)
	s.gate = NewGate(log, store, s.now)
	s.reaper = NewReaper(log)
	s.broadcaster = NewBroadcaster(log, store, s.registry, s.directory, s.metrics, s.concurrency)
	return s, nil
}

func (s *Service) Registry() *Registry       { return s.registry }
func (s *Service) Broadcaster() *Broadcaster { return s.broadcaster }

// OnConnect starts tracking c. The session stays unidentified until a
// heartbeat succeeds.
func (s *Service) OnConnect(ctx context.Context, c *Conn) {
	if c == nil {
		return
	}
	s.registry.Connect(c)
	s.metrics.ConnectionOpened()
	s.log.Debug("presence.connect", "session_id", c.ID(), "uid", c.UID)
}

// GetSystemInfo returns the current server health snapshot.
func (s *Service) GetSystemInfo() v1.SystemInfo {
	return s.sysinfo.SystemInfo()
}

// Heartbeat identifies c with the proposed character identification and
// returns what the caller may learn about itself. It never fails: every error
// degrades to the minimal result.
func (s *Service) Heartbeat(ctx context.Context, c *Conn, ci string) v1.ConnectionResult {
	if c == nil {
		return MinimalResult()
	}
	s.metrics.HeartbeatReceived()

	if err := s.broadcaster.Unicast(ctx, c, v1.TypeSystemInfo, s.GetSystemInfo()); err != nil {
		s.log.Debug("presence.heartbeat.sysinfo.drop", "session_id", c.ID(), "err", err)
	}

	if c.currentState() != stateUnidentified {
		return MinimalResult()
	}

	result, ok, err := s.gate.Authenticate(ctx, c.UID, ci)
	if err != nil {
		s.log.Error("presence.heartbeat.fail", "session_id", c.ID(), "uid", c.UID, "err", err)
		return MinimalResult()
	}
	if !ok {
		return result
	}

	ci = identity.NormalizeCharacterIdentification(ci)
	if !c.identify(ci) {
		// Disconnected while the gate ran.
		s.clearPresence(ctx, c.UID, ci)
		return MinimalResult()
	}

	// From here a concurrent OnDisconnect owns the matching Deauthorized.
	s.metrics.Authorized()

	if prev := s.registry.Register(c.UID, c); prev != nil {
		s.log.Info("presence.register.replaced", "uid", c.UID, "session_id", c.ID(), "previous_session_id", prev.ID())
	}
	if !c.Identified() {
		// Removed between identify and Register; its Unregister ran too early.
		s.registry.Unregister(c.UID, c)
		s.clearPresence(ctx, c.UID, ci)
		return MinimalResult()
	}

	if _, err := s.broadcaster.NotifyPresenceAdded(ctx, c.UID, ci); err != nil {
		s.log.Error("presence.heartbeat.fail", "session_id", c.ID(), "uid", c.UID, "err", err)
		s.registry.Unregister(c.UID, c)
		if c.revertIdentify() {
			s.metrics.Deauthorized()
		}
		s.clearPresence(ctx, c.UID, ci)
		return MinimalResult()
	}

	s.log.Info("presence.identified", "session_id", c.ID(), "uid", c.UID, "identified", s.registry.IdentifiedLen())
	return result
}

func (s *Service) clearPresence(ctx context.Context, uid, ci string) {
	if _, err := s.store.ClearPresence(ctx, uid, ci); err != nil {
		s.log.Error("presence.clear.fail", "uid", uid, "err", err)
	}
}

// OnDisconnect ends c. reason is only logged. Calling it more than once for
// the same conn is a no-op.
func (s *Service) OnDisconnect(ctx context.Context, c *Conn, reason error) {
	if c == nil {
		return
	}

	prev, ci := c.remove()
	if prev == stateRemoved {
		return
	}
	defer func() {
		s.registry.Disconnect(c)
		s.metrics.ConnectionClosed()
	}()

	if prev != stateIdentified {
		s.log.Debug("presence.disconnect", "session_id", c.ID(), "uid", c.UID, "reason", reason)
		return
	}
	s.log.Info("presence.disconnect", "session_id", c.ID(), "uid", c.UID, "reason", reason)
	defer s.metrics.Deauthorized()

	uid := c.UID
	user, err := s.store.GetUser(ctx, uid)
	if err != nil {
		s.registry.Unregister(uid, c)
		if !identity.IsNotFound(err) {
			s.log.Error("presence.disconnect.fail", "session_id", c.ID(), "uid", uid, "err", err)
		}
		return
	}
	if user.CharacterIdentification != ci {
		// A newer session owns the identity's presence.
		s.registry.Unregister(uid, c)
		s.log.Info("presence.disconnect.superseded", "session_id", c.ID(), "uid", uid)
		return
	}

	if _, err := s.broadcaster.NotifyPresenceRemoved(ctx, uid, ci); err != nil {
		s.log.Error("presence.disconnect.fail", "session_id", c.ID(), "uid", uid, "step", "notify", "err", err)
	}

	var reaped int64
	err = s.store.RunInTx(ctx, func(q identity.Querier) error {
		cleared, err := q.ClearPresence(ctx, uid, ci)
		if err != nil {
			return err
		}
		if !cleared {
			return errSuperseded
		}
		reaped, err = s.reaper.ReapOrphans(ctx, q, uid)
		return err
	})
	s.registry.Unregister(uid, c)
	if errors.Is(err, errSuperseded) {
		s.log.Info("presence.disconnect.superseded", "session_id", c.ID(), "uid", uid)
		return
	}
	if err != nil {
		s.log.Error("presence.disconnect.fail", "session_id", c.ID(), "uid", uid, "step", "clear", "err", err)
		return
	}
	if reaped > 0 {
		s.log.Info("presence.disconnect.reaped", "uid", uid, "deleted", reaped)
	}

	if _, err := s.broadcaster.BroadcastOnlineCount(ctx); err != nil {
		s.log.Error("presence.disconnect.fail", "session_id", c.ID(), "uid", uid, "step", "online_count", "err", err)
	}
}
