package presence

import (
	"context"
	"slices"
	"testing"

	"pairhub/cmd/identity"
)

func TestDirectory_MutualActivePeers(t *testing.T) {
	t.Parallel()

	type edge struct {
		owner, other string
		paused       bool
	}

	tests := []struct {
		name    string
		edges   []edge
		present []string
		wantA   []string
		wantB   []string
	}{
		{
			name:    "no pairs",
			present: []string{uidA, uidB},
			wantA:   []string{},
			wantB:   []string{},
		},
		{
			name:    "mutual and present",
			edges:   []edge{{uidA, uidB, false}, {uidB, uidA, false}},
			present: []string{uidA, uidB},
			wantA:   []string{uidB},
			wantB:   []string{uidA},
		},
		{
			name:    "one way",
			edges:   []edge{{uidA, uidB, false}},
			present: []string{uidA, uidB},
			wantA:   []string{},
			wantB:   []string{},
		},
		{
			name:    "paused by owner",
			edges:   []edge{{uidA, uidB, true}, {uidB, uidA, false}},
			present: []string{uidA, uidB},
			wantA:   []string{},
			wantB:   []string{},
		},
		{
			name:    "paused by other",
			edges:   []edge{{uidA, uidB, false}, {uidB, uidA, true}},
			present: []string{uidA, uidB},
			wantA:   []string{},
			wantB:   []string{},
		},
		{
			name:    "other absent",
			edges:   []edge{{uidA, uidB, false}, {uidB, uidA, false}},
			present: []string{uidA},
			wantA:   []string{},
			wantB:   []string{uidA},
		},
		{
			name: "sorted",
			edges: []edge{
				{uidA, uidC, false}, {uidC, uidA, false},
				{uidA, uidB, false}, {uidB, uidA, false},
			},
			present: []string{uidA, uidB, uidC},
			wantA:   []string{uidB, uidC},
			wantB:   []string{uidA},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			st := identity.NewInMemoryStore()
			for _, uid := range []string{uidA, uidB, uidC} {
				if err := st.PutUser(identity.User{UID: uid}); err != nil {
					t.Fatalf("PutUser: %v", err)
				}
			}
			for _, e := range tt.edges {
				if err := st.PutPair(identity.Pair{Owner: e.owner, Other: e.other, IsPaused: e.paused}); err != nil {
					t.Fatalf("PutPair: %v", err)
				}
			}
			for _, uid := range tt.present {
				if _, err := st.MarkPresent(ctx, uid, "ci-"+uid, timeZero); err != nil {
					t.Fatalf("MarkPresent: %v", err)
				}
			}

			d := NewDirectory(st)
			gotA, err := d.MutualActivePeers(ctx, uidA)
			if err != nil {
				t.Fatalf("MutualActivePeers(A): %v", err)
			}
			gotB, err := d.MutualActivePeers(ctx, uidB)
			if err != nil {
				t.Fatalf("MutualActivePeers(B): %v", err)
			}
			if !slices.Equal(gotA, tt.wantA) {
				t.Fatalf("peers(A) = %v, want %v", gotA, tt.wantA)
			}
			if !slices.Equal(gotB, tt.wantB) {
				t.Fatalf("peers(B) = %v, want %v", gotB, tt.wantB)
			}

			// Symmetry whenever both sides are present.
			if slices.Contains(tt.present, uidB) && slices.Contains(gotA, uidB) != slices.Contains(gotB, uidA) {
				t.Fatalf("asymmetric: peers(A)=%v peers(B)=%v", gotA, gotB)
			}
		})
	}
}

func TestDirectory_PropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	st := &faultyStore{InMemoryStore: identity.NewInMemoryStore()}
	st.failOutgoing.Store(true)

	if _, err := NewDirectory(st).MutualActivePeers(context.Background(), uidA); err == nil {
		t.Fatalf("expected error")
	}
	peers, err := NewDirectory(st).MutualActivePeers(context.Background(), "")
	if err != nil || len(peers) != 0 {
		t.Fatalf("empty uid = %v,%v, want empty", peers, err)
	}
}
