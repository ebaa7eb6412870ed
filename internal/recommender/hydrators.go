package recommender

import (
	"context"
	"time"

	"github.com/feedstack/recommender/internal/actions"
)

const affinityLookback = 30 * 24 * time.Hour

// AffinityQueryHydrator loads the requesting user's per-author
// engagement counts so in-network sourcing and scoring can use them.
type AffinityQueryHydrator struct {
	Actions actions.Store
}

func (h *AffinityQueryHydrator) Name() string { return "affinity-query-hydrator" }

func (h *AffinityQueryHydrator) Enable(q PostQuery) bool { return h.Actions != nil }

func (h *AffinityQueryHydrator) Hydrate(ctx context.Context, q PostQuery) (PostQuery, error) {
	affinity, err := h.Actions.AuthorAffinity(ctx, q.UserID, time.Now().Add(-affinityLookback))
	if err != nil {
		return q, err
	}
	q.AuthorAffinity = affinity
	return q, nil
}

func (h *AffinityQueryHydrator) Update(original, hydrated PostQuery) PostQuery {
	original.AuthorAffinity = hydrated.AuthorAffinity
	return original
}

// ServedLister reports which candidate keys were recently served to a
// user. Reads are advisory; implementations degrade errors to an empty
// set.
type ServedLister interface {
	Served(ctx context.Context, userID string) []string
}

// ServedQueryHydrator loads the keys recently served to the user so the
// already-served filter can drop them.
type ServedQueryHydrator struct {
	Cache ServedLister
}

func (h *ServedQueryHydrator) Name() string { return "served-query-hydrator" }

func (h *ServedQueryHydrator) Enable(q PostQuery) bool { return h.Cache != nil }

func (h *ServedQueryHydrator) Hydrate(ctx context.Context, q PostQuery) (PostQuery, error) {
	keys := h.Cache.Served(ctx, q.UserID)
	served := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		served[k] = struct{}{}
	}
	q.ServedKeys = served
	return q, nil
}

func (h *ServedQueryHydrator) Update(original, hydrated PostQuery) PostQuery {
	original.ServedKeys = hydrated.ServedKeys
	return original
}

// BlockedAuthorsQueryHydrator collects authors the user has blocked or
// reported so their posts never reach selection.
type BlockedAuthorsQueryHydrator struct {
	Actions actions.Store
}

func (h *BlockedAuthorsQueryHydrator) Name() string { return "blocked-authors-query-hydrator" }

func (h *BlockedAuthorsQueryHydrator) Enable(q PostQuery) bool { return h.Actions != nil }

func (h *BlockedAuthorsQueryHydrator) Hydrate(ctx context.Context, q PostQuery) (PostQuery, error) {
	acts, err := h.Actions.ListUserActions(ctx, actions.Query{
		UserID: q.UserID,
		Types:  []actions.Type{actions.TypeBlockAuthor, actions.TypeReport},
	})
	if err != nil {
		return q, err
	}
	blocked := make(map[string]struct{}, len(acts))
	for _, a := range acts {
		if a.TargetAuthorID != "" {
			blocked[a.TargetAuthorID] = struct{}{}
		}
	}
	q.BlockedAuthors = blocked
	return q, nil
}

func (h *BlockedAuthorsQueryHydrator) Update(original, hydrated PostQuery) PostQuery {
	original.BlockedAuthors = hydrated.BlockedAuthors
	return original
}

// AuthorStatsHydrator attaches follower counts and engagement priors to
// candidates after sourcing.
type AuthorStatsHydrator struct {
	Provider PostProvider
}

func (h *AuthorStatsHydrator) Name() string { return "author-stats-hydrator" }

func (h *AuthorStatsHydrator) Enable(q PostQuery) bool { return h.Provider != nil }

func (h *AuthorStatsHydrator) Hydrate(ctx context.Context, q PostQuery, candidates []PostCandidate) ([]PostCandidate, error) {
	seen := make(map[string]struct{}, len(candidates))
	authorIDs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c.AuthorID]; ok {
			continue
		}
		seen[c.AuthorID] = struct{}{}
		authorIDs = append(authorIDs, c.AuthorID)
	}

	stats, err := h.Provider.AuthorStats(ctx, authorIDs)
	if err != nil {
		return nil, err
	}

	out := make([]PostCandidate, len(candidates))
	for i, c := range candidates {
		if s, ok := stats[c.AuthorID]; ok {
			c.AuthorFollowers = s.Followers
			c.EngagementPrior = s.EngagementPrior
		}
		out[i] = c
	}
	return out, nil
}

func (h *AuthorStatsHydrator) Update(original, hydrated PostCandidate) PostCandidate {
	original.AuthorFollowers = hydrated.AuthorFollowers
	original.EngagementPrior = hydrated.EngagementPrior
	return original
}
