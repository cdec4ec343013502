package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pairhub/cmd/identity"
	v1 "pairhub/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
)

var errBoom = errors.New("boom")

type sentEvent struct {
	Type    string
	Payload any
}

type fakeSession struct {
	id   string
	fail atomic.Bool

	mu     sync.Mutex
	events []sentEvent
}

func newFakeSession(id string) *fakeSession { return &fakeSession{id: id} }

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(_ context.Context, eventType string, payload any) error {
	if f.fail.Load() {
		return errors.New("send queue full")
	}
	f.mu.Lock()
	f.events = append(f.events, sentEvent{Type: eventType, Payload: payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) eventsOf(eventType string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeSession) peerTokens(eventType string) []string {
	var out []string
	for _, e := range f.eventsOf(eventType) {
		out = append(out, e.Payload.(v1.PeerPresencePayload).CharacterIdentification)
	}
	return out
}

func (f *fakeSession) lastOnlineCount(t *testing.T) int {
	t.Helper()
	evs := f.eventsOf(v1.TypeOnlineCount)
	if len(evs) == 0 {
		t.Fatalf("session %s: no online_count received", f.id)
	}
	return evs[len(evs)-1].Payload.(v1.OnlineCountPayload).Count
}

// faultyStore injects failures into selected Querier methods.
type faultyStore struct {
	*identity.InMemoryStore

	failBan      atomic.Bool
	failOutgoing atomic.Bool
	failCount    atomic.Bool
	failTx       atomic.Bool

	// beforeTx runs at the start of RunInTx, outside the transaction.
	beforeTx func()
}

func (f *faultyStore) IsBanned(ctx context.Context, ci string) (bool, error) {
	if f.failBan.Load() {
		return false, errBoom
	}
	return f.InMemoryStore.IsBanned(ctx, ci)
}

func (f *faultyStore) OutgoingPairs(ctx context.Context, owner string) ([]identity.OutgoingPair, error) {
	if f.failOutgoing.Load() {
		return nil, errBoom
	}
	return f.InMemoryStore.OutgoingPairs(ctx, owner)
}

func (f *faultyStore) CountPresent(ctx context.Context) (int, error) {
	if f.failCount.Load() {
		return 0, errBoom
	}
	return f.InMemoryStore.CountPresent(ctx)
}

func (f *faultyStore) RunInTx(ctx context.Context, fn func(q identity.Querier) error) error {
	if f.failTx.Load() {
		return errBoom
	}
	if f.beforeTx != nil {
		f.beforeTx()
	}
	return f.InMemoryStore.RunInTx(ctx, fn)
}

// hookMetrics runs onAuthorized right after recording an authorization.
type hookMetrics struct {
	Metrics
	onAuthorized func()
}

func (h *hookMetrics) Authorized() {
	h.Metrics.Authorized()
	if h.onAuthorized != nil {
		h.onAuthorized()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc     *Service
	store   *faultyStore
	metrics *PromMetrics
	seq     atomic.Int64
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	m, err := NewPromMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewPromMetrics: %v", err)
	}
	st := &faultyStore{InMemoryStore: identity.NewInMemoryStore()}

	base := []Option{
		WithMetrics(m),
		WithSystemInfo(StaticSystemInfo{CPUCount: 4, OnlineUsers: 1}),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
	}
	svc, err := NewService(discardLogger(), st, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, store: st, metrics: m}
}

func (f *fixture) users(t *testing.T, uids ...string) {
	t.Helper()
	for _, uid := range uids {
		if err := f.store.PutUser(identity.User{UID: uid}); err != nil {
			t.Fatalf("PutUser(%s): %v", uid, err)
		}
	}
}

func (f *fixture) pair(t *testing.T, owner, other string) {
	t.Helper()
	if err := f.store.PutPair(identity.Pair{Owner: owner, Other: other}); err != nil {
		t.Fatalf("PutPair(%s->%s): %v", owner, other, err)
	}
}

func (f *fixture) mutual(t *testing.T, a, b string) {
	t.Helper()
	f.pair(t, a, b)
	f.pair(t, b, a)
}

func (f *fixture) connect(uid string) (*Conn, *fakeSession) {
	sess := newFakeSession(fmt.Sprintf("s%d-%s", f.seq.Add(1), uid))
	c := NewConn(sess, uid, time.Now())
	f.svc.OnConnect(context.Background(), c)
	return c, sess
}

// identify connects uid and heartbeats with ci, failing the test unless it identifies.
func (f *fixture) identify(t *testing.T, uid, ci string) (*Conn, *fakeSession) {
	t.Helper()
	c, sess := f.connect(uid)
	res := f.svc.Heartbeat(context.Background(), c, ci)
	if res.UID != uid {
		t.Fatalf("Heartbeat(%s, %s) = %+v, want identified", uid, ci, res)
	}
	return c, sess
}

func (f *fixture) presence(t *testing.T, uid string) string {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), uid)
	if err != nil {
		t.Fatalf("GetUser(%s): %v", uid, err)
	}
	return u.CharacterIdentification
}

var timeZero = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
