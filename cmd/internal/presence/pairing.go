package presence

import (
	"context"
	"fmt"
	"sort"

	"pairhub/cmd/identity"

	"github.com/samber/lo"
)

// Directory computes mutually active pairing partners from directional pairs.
type Directory struct {
	store identity.Querier
}

// NewDirectory constructs a Directory over store.
func NewDirectory(store identity.Querier) *Directory {
	return &Directory{store: store}
}

// MutualActivePeers returns the sorted UIDs B such that uid->B and B->uid are
// both unpaused and B currently has a presence token.
//
// uid's own presence is not consulted, so the result is the same whether it is
// computed just before or just after uid's token changes.
func (d *Directory) MutualActivePeers(ctx context.Context, uid string) ([]string, error) {
	return d.mutualActivePeers(ctx, d.store, uid)
}

func (d *Directory) mutualActivePeers(ctx context.Context, q identity.Querier, uid string) ([]string, error) {
	if uid == "" {
		return []string{}, nil
	}

	outgoing, err := q.OutgoingPairs(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("presence: outgoing pairs: %w", err)
	}

	candidates := lo.Uniq(lo.FilterMap(outgoing, func(p identity.OutgoingPair, _ int) (string, bool) {
		return p.Other, !p.IsPaused && p.Other != uid && p.OtherCharacterIdentification != ""
	}))
	if len(candidates) == 0 {
		return []string{}, nil
	}

	reciprocating, err := q.ReciprocatingOwners(ctx, candidates, uid)
	if err != nil {
		return nil, fmt.Errorf("presence: reciprocating pairs: %w", err)
	}

	peers := lo.Uniq(lo.Intersect(candidates, reciprocating))
	sort.Strings(peers)
	return peers, nil
}
