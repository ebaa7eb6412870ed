package recommender

import (
	"context"
	"sort"
	"sync"
)

// AuthorStats are coarse per-author features used by hydrators and
// scorers.
type AuthorStats struct {
	Followers       int
	EngagementPrior float64
}

// PostProvider supplies candidate posts and author features. Real
// deployments back this with the content service; tests and local runs
// use MemoryProvider.
type PostProvider interface {
	RecentByAuthors(ctx context.Context, authorIDs []string, limit int) ([]PostCandidate, error)
	Popular(ctx context.Context, limit int) ([]PostCandidate, error)
	AuthorStats(ctx context.Context, authorIDs []string) (map[string]AuthorStats, error)
}

// MemoryProvider is an in-memory PostProvider.
type MemoryProvider struct {
	mu      sync.RWMutex
	posts   map[string]PostCandidate
	authors map[string]AuthorStats
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		posts:   make(map[string]PostCandidate),
		authors: make(map[string]AuthorStats),
	}
}

func (p *MemoryProvider) AddPost(post PostCandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts[post.PostID] = post
}

func (p *MemoryProvider) SetAuthorStats(authorID string, stats AuthorStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authors[authorID] = stats
}

func (p *MemoryProvider) RecentByAuthors(ctx context.Context, authorIDs []string, limit int) ([]PostCandidate, error) {
	wanted := make(map[string]struct{}, len(authorIDs))
	for _, id := range authorIDs {
		wanted[id] = struct{}{}
	}

	p.mu.RLock()
	var out []PostCandidate
	for _, post := range p.posts {
		if _, ok := wanted[post.AuthorID]; ok {
			out = append(out, post)
		}
	}
	p.mu.RUnlock()

	sortByRecency(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *MemoryProvider) Popular(ctx context.Context, limit int) ([]PostCandidate, error) {
	p.mu.RLock()
	out := make([]PostCandidate, 0, len(p.posts))
	for _, post := range p.posts {
		out = append(out, post)
	}
	stats := p.authors
	sort.Slice(out, func(i, j int) bool {
		pi, pj := stats[out[i].AuthorID].EngagementPrior, stats[out[j].AuthorID].EngagementPrior
		if pi != pj {
			return pi > pj
		}
		return out[i].PostID < out[j].PostID
	})
	p.mu.RUnlock()

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *MemoryProvider) AuthorStats(ctx context.Context, authorIDs []string) (map[string]AuthorStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]AuthorStats, len(authorIDs))
	for _, id := range authorIDs {
		if stats, ok := p.authors[id]; ok {
			out[id] = stats
		}
	}
	return out, nil
}

func sortByRecency(posts []PostCandidate) {
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].PostID < posts[j].PostID
	})
}
