// Package experiment implements deterministic A/B experiment assignment:
// audience targeting, traffic gating, hash-based bucketing, and a
// cache-assisted per-request assignment context.
package experiment

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Bucket is a named experiment variant with a traffic weight (0-100) and a
// schema-less config override.
type Bucket struct {
	Name   string         `json:"name"`
	Weight int            `json:"weight"`
	Config map[string]any `json:"config,omitempty"`
}

// Audience restricts which users an experiment applies to. Absent criteria
// impose no constraint.
type Audience struct {
	UserAllowlist     []string `json:"user_allowlist,omitempty"`
	UserBlocklist     []string `json:"user_blocklist,omitempty"`
	MinFollowers      *int     `json:"min_followers,omitempty"`
	MaxFollowers      *int     `json:"max_followers,omitempty"`
	MinAccountAgeDays *int     `json:"min_account_age_days,omitempty"`
	MaxAccountAgeDays *int     `json:"max_account_age_days,omitempty"`
	Platforms         []string `json:"platforms,omitempty"`
	Regions           []string `json:"regions,omitempty"`
}

// Experiment is a single A/B test definition.
type Experiment struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         Status     `json:"status"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	TrafficPercent int        `json:"traffic_percent"`
	Buckets        []Bucket   `json:"buckets"`
	Audience       Audience   `json:"audience"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Validate checks structural invariants before an experiment is saved.
func (e *Experiment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("experiment id is required")
	}
	if len(e.Buckets) == 0 {
		return fmt.Errorf("experiment %s has no buckets", e.ID)
	}
	if e.TrafficPercent < 0 || e.TrafficPercent > 100 {
		return fmt.Errorf("experiment %s traffic percent %d out of range", e.ID, e.TrafficPercent)
	}
	for _, b := range e.Buckets {
		if b.Name == "" {
			return fmt.Errorf("experiment %s has an unnamed bucket", e.ID)
		}
		if b.Weight < 0 || b.Weight > 100 {
			return fmt.Errorf("experiment %s bucket %s weight %d out of range", e.ID, b.Name, b.Weight)
		}
	}
	return nil
}

// UserFeatures carries the per-user attributes consulted during audience
// matching.
type UserFeatures struct {
	FollowerCount  int    `json:"follower_count"`
	AccountAgeDays int    `json:"account_age_days"`
	Platform       string `json:"platform"`
	Region         string `json:"region"`
}

// Assignment is the resolved variant for one (user, experiment) pair.
// Immutable once produced within the cache TTL window.
type Assignment struct {
	ExperimentID   string         `json:"experiment_id"`
	ExperimentName string         `json:"experiment_name"`
	Bucket         string         `json:"bucket"`
	Config         map[string]any `json:"config,omitempty"`
	InExperiment   bool           `json:"in_experiment"`
}

// Key returns the "experimentID:bucket" tag used on logged action records.
func (a Assignment) Key() string {
	return a.ExperimentID + ":" + a.Bucket
}

// Context is the per-request aggregate of a user's active assignments.
// It is a read-only view: all accessors are pure lookups with no I/O.
type Context struct {
	userID      string
	assignments map[string]Assignment
}

// NewContext builds a Context from pre-computed assignments.
func NewContext(userID string, assignments []Assignment) *Context {
	byID := make(map[string]Assignment, len(assignments))
	for _, a := range assignments {
		byID[a.ExperimentID] = a
	}
	return &Context{userID: userID, assignments: byID}
}

// UserID returns the user this context was built for.
func (c *Context) UserID() string {
	return c.userID
}

// GetConfig returns the bucket config value for the given experiment and key,
// or def when the user is not in the experiment or the key is absent.
func (c *Context) GetConfig(experimentID, key string, def any) any {
	a, ok := c.assignments[experimentID]
	if !ok || !a.InExperiment {
		return def
	}
	v, ok := a.Config[key]
	if !ok {
		return def
	}
	return v
}

// GetFloat is GetConfig with a float64 assertion. JSON-decoded configs store
// all numbers as float64, so integer overrides also resolve through here.
func (c *Context) GetFloat(experimentID, key string, def float64) float64 {
	if v, ok := c.GetConfig(experimentID, key, def).(float64); ok {
		return v
	}
	return def
}

// GetString is GetConfig with a string assertion.
func (c *Context) GetString(experimentID, key string, def string) string {
	if v, ok := c.GetConfig(experimentID, key, def).(string); ok {
		return v
	}
	return def
}

// GetBool is GetConfig with a bool assertion.
func (c *Context) GetBool(experimentID, key string, def bool) bool {
	if v, ok := c.GetConfig(experimentID, key, def).(bool); ok {
		return v
	}
	return def
}

// IsInBucket reports whether the user landed in the named bucket of the
// given experiment.
func (c *Context) IsInBucket(experimentID, bucket string) bool {
	a, ok := c.assignments[experimentID]
	return ok && a.InExperiment && a.Bucket == bucket
}

// Keys returns the "experimentID:bucket" tags for all in-experiment
// assignments, for stamping onto logged records.
func (c *Context) Keys() []string {
	keys := make([]string, 0, len(c.assignments))
	for _, a := range c.assignments {
		if a.InExperiment {
			keys = append(keys, a.Key())
		}
	}
	return keys
}
