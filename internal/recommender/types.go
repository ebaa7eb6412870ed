package recommender

import (
	"time"

	"github.com/feedstack/recommender/internal/experiment"
)

// PostQuery carries one recommendation request through the pipeline.
// Hydrators return updated copies; the zero value of every hydrated
// field means "not hydrated".
type PostQuery struct {
	ID      string
	UserID  string
	Limit   int
	Surface string

	Features    experiment.UserFeatures
	Experiments *experiment.Context

	// Hydrated fields.
	AuthorAffinity map[string]int
	ServedKeys     map[string]struct{}
	BlockedAuthors map[string]struct{}
}

func (q PostQuery) RequestID() string { return q.ID }

func (q PostQuery) ResultLimit() int { return q.Limit }

// InBucket reports whether the request's experiment context placed the
// user in the given bucket. Requests without a context never match.
func (q PostQuery) InBucket(experimentID, bucket string) bool {
	if q.Experiments == nil {
		return false
	}
	return q.Experiments.IsInBucket(experimentID, bucket)
}

// ExperimentFloat reads a tunable parameter from the experiment
// context, falling back to def when absent.
func (q PostQuery) ExperimentFloat(experimentID, key string, def float64) float64 {
	if q.Experiments == nil {
		return def
	}
	return q.Experiments.GetFloat(experimentID, key, def)
}

// PostCandidate is a single recommendable post.
type PostCandidate struct {
	PostID    string
	AuthorID  string
	Text      string
	CreatedAt time.Time

	Source    string
	InNetwork bool

	// Hydrated fields.
	AuthorFollowers int
	EngagementPrior float64
}

func (c PostCandidate) Key() string { return c.PostID }
