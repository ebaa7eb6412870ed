package effects

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/feedstack/recommender/internal/pipeline"
	pkgredis "github.com/feedstack/recommender/pkg/redis"
)

const serveKeyPrefix = "serve:"

// ServeCache tracks which candidates were recently served to each user so
// later requests can exclude them. Entries live in Redis under a short TTL;
// the whole cache is advisory and read failures degrade to "nothing served".
type ServeCache struct {
	client  *pkgredis.Client
	surface string
	ttl     time.Duration
	maxKeys int
	logger  *slog.Logger
}

// NewServeCache creates a ServeCache for one product surface.
func NewServeCache(client *pkgredis.Client, surface string, ttl time.Duration) *ServeCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ServeCache{
		client:  client,
		surface: surface,
		ttl:     ttl,
		maxKeys: 500,
		logger:  slog.Default().With("component", "serve-cache", "surface", surface),
	}
}

func (s *ServeCache) key(userID string) string {
	return fmt.Sprintf("%s%s:%s", serveKeyPrefix, s.surface, userID)
}

// Served returns the candidate keys recently served to the user. Errors
// degrade to an empty set.
func (s *ServeCache) Served(ctx context.Context, userID string) []string {
	data, err := s.client.Get(ctx, s.key(userID))
	if err != nil {
		if !pkgredis.IsNilError(err) {
			s.logger.Error("serve cache read failed", "user_id", userID, "error", err)
		}
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(data), &keys); err != nil {
		s.logger.Error("serve cache unmarshal failed", "user_id", userID, "error", err)
		return nil
	}
	return keys
}

// RecordServed appends candidate keys to the user's served set, truncating
// the oldest entries past the per-user bound. Best-effort: the read-merge-
// write is not atomic and concurrent requests may lose an update.
func (s *ServeCache) RecordServed(ctx context.Context, userID string, candidateKeys []string) {
	if len(candidateKeys) == 0 {
		return
	}
	existing := s.Served(ctx, userID)
	seen := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		seen[k] = struct{}{}
	}
	merged := existing
	for _, k := range candidateKeys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, k)
	}
	if len(merged) > s.maxKeys {
		merged = merged[len(merged)-s.maxKeys:]
	}
	data, err := json.Marshal(merged)
	if err != nil {
		s.logger.Error("serve cache marshal failed", "user_id", userID, "error", err)
		return
	}
	if err := s.client.Set(ctx, s.key(userID), data, s.ttl); err != nil {
		s.logger.Error("serve cache write failed", "user_id", userID, "error", err)
	}
}

// ServeCacheRecorder is the side effect that records served candidates after
// selection.
type ServeCacheRecorder[Q pipeline.Query, C pipeline.Candidate] struct {
	Cache   *ServeCache
	Request func(q Q) RequestInfo
}

func (r *ServeCacheRecorder[Q, C]) Name() string { return "serve_cache_recorder" }

func (r *ServeCacheRecorder[Q, C]) Enable(q Q) bool { return true }

func (r *ServeCacheRecorder[Q, C]) Run(ctx context.Context, q Q, result *pipeline.Result[C]) error {
	req := r.Request(q)
	keys := make([]string, 0, len(result.Selected))
	for _, sc := range result.Selected {
		keys = append(keys, sc.Candidate.Key())
	}
	r.Cache.RecordServed(ctx, req.UserID, keys)
	return nil
}
