package presence

import (
	"context"
	"testing"
	"time"

	"pairhub/cmd/identity"
	v1 "pairhub/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBroadcaster_SkipsBackpressuredTargets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, err := NewPromMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewPromMetrics: %v", err)
	}
	st := identity.NewInMemoryStore()
	reg := NewRegistry()
	b := NewBroadcaster(discardLogger(), st, reg, NewDirectory(st), m, 2)

	sessions := make([]*fakeSession, 5)
	for i := range sessions {
		sessions[i] = newFakeSession(string(rune('a' + i)))
		reg.Connect(NewConn(sessions[i], "", time.Now()))
	}
	sessions[1].fail.Store(true)
	sessions[3].fail.Store(true)

	snap := v1.SystemInfo{CPUCount: 8}
	if got := b.BroadcastSystemInfo(ctx, snap); got != 3 {
		t.Fatalf("delivered = %d, want 3", got)
	}
	for i, s := range sessions {
		want := 1
		if s.fail.Load() {
			want = 0
		}
		if got := len(s.eventsOf(v1.TypeSystemInfo)); got != want {
			t.Fatalf("session %d got %d system_info, want %d", i, got, want)
		}
	}

	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues(v1.TypeSystemInfo, "delivered")); got != 3 {
		t.Fatalf("delivered counter = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues(v1.TypeSystemInfo, "dropped")); got != 2 {
		t.Fatalf("dropped counter = %v, want 2", got)
	}
}

func TestBroadcaster_OnlineCountFailure(t *testing.T) {
	t.Parallel()

	st := &faultyStore{InMemoryStore: identity.NewInMemoryStore()}
	st.failCount.Store(true)
	reg := NewRegistry()
	sess := newFakeSession("s1")
	reg.Connect(NewConn(sess, "", time.Now()))

	b := NewBroadcaster(discardLogger(), st, reg, NewDirectory(st), nil, 0)
	if _, err := b.BroadcastOnlineCount(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if got := len(sess.eventsOf(v1.TypeOnlineCount)); got != 0 {
		t.Fatalf("online_count delivered despite failure")
	}
}

func TestBroadcaster_NotifySkipsUnregisteredPeers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := identity.NewInMemoryStore()
	for _, uid := range []string{uidA, uidB, uidC} {
		if err := st.PutUser(identity.User{UID: uid}); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
		if _, err := st.MarkPresent(ctx, uid, "ci-"+uid, timeZero); err != nil {
			t.Fatalf("MarkPresent: %v", err)
		}
	}
	for _, p := range [][2]string{{uidA, uidB}, {uidB, uidA}, {uidA, uidC}, {uidC, uidA}} {
		if err := st.PutPair(identity.Pair{Owner: p[0], Other: p[1]}); err != nil {
			t.Fatalf("PutPair: %v", err)
		}
	}

	reg := NewRegistry()
	sb := newFakeSession("sb")
	reg.Register(uidB, NewConn(sb, uidB, time.Now()))
	// C is present in the store but has no live conn here.

	b := NewBroadcaster(discardLogger(), st, reg, NewDirectory(st), nil, 0)
	n, err := b.NotifyPresenceAdded(ctx, uidA, "ci-A")
	if err != nil {
		t.Fatalf("NotifyPresenceAdded: %v", err)
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if got := sb.peerTokens(v1.TypePeerPresenceAdded); len(got) != 1 || got[0] != "ci-A" {
		t.Fatalf("B got %v", got)
	}
}
