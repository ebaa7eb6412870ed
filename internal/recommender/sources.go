package recommender

import (
	"context"
	"sort"
)

const (
	SourceInNetwork = "in-network"
	SourcePopular   = "popular"

	sourceOverfetch = 4
)

// InNetworkSource retrieves recent posts from authors the user has
// engaged with, ordered by descending affinity.
type InNetworkSource struct {
	Provider   PostProvider
	MaxAuthors int
}

func (s *InNetworkSource) Name() string { return "in-network-source" }

func (s *InNetworkSource) Enable(q PostQuery) bool {
	return s.Provider != nil && len(q.AuthorAffinity) > 0
}

func (s *InNetworkSource) Fetch(ctx context.Context, q PostQuery) ([]PostCandidate, error) {
	authorIDs := make([]string, 0, len(q.AuthorAffinity))
	for id := range q.AuthorAffinity {
		authorIDs = append(authorIDs, id)
	}
	sort.Slice(authorIDs, func(i, j int) bool {
		ai, aj := q.AuthorAffinity[authorIDs[i]], q.AuthorAffinity[authorIDs[j]]
		if ai != aj {
			return ai > aj
		}
		return authorIDs[i] < authorIDs[j]
	})
	if max := s.maxAuthors(); len(authorIDs) > max {
		authorIDs = authorIDs[:max]
	}

	posts, err := s.Provider.RecentByAuthors(ctx, authorIDs, q.Limit*sourceOverfetch)
	if err != nil {
		return nil, err
	}

	out := make([]PostCandidate, len(posts))
	for i, p := range posts {
		p.Source = SourceInNetwork
		p.InNetwork = true
		out[i] = p
	}
	return out, nil
}

func (s *InNetworkSource) maxAuthors() int {
	if s.MaxAuthors > 0 {
		return s.MaxAuthors
	}
	return 50
}

// PopularSource retrieves globally popular posts as an out-of-network
// fallback so new users still get results.
type PopularSource struct {
	Provider PostProvider
}

func (s *PopularSource) Name() string { return "popular-source" }

func (s *PopularSource) Enable(q PostQuery) bool { return s.Provider != nil }

func (s *PopularSource) Fetch(ctx context.Context, q PostQuery) ([]PostCandidate, error) {
	posts, err := s.Provider.Popular(ctx, q.Limit*sourceOverfetch)
	if err != nil {
		return nil, err
	}

	out := make([]PostCandidate, len(posts))
	for i, p := range posts {
		p.Source = SourcePopular
		out[i] = p
	}
	return out, nil
}
