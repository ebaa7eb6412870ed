package experiment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Bucketer maps (user, experiment) pairs onto traffic and bucket positions.
// The digest is keyed with a configurable seed so deployments can re-shuffle
// populations without touching experiment definitions; for a fixed seed the
// output is stable across process restarts.
type Bucketer struct {
	seed []byte
}

// NewBucketer creates a Bucketer with the given hash seed.
func NewBucketer(seed string) *Bucketer {
	return &Bucketer{seed: []byte(seed)}
}

// position hashes key into [0, 100). The first 8 hex characters of the
// keyed digest are parsed as an unsigned 32-bit integer and reduced mod 100.
func (b *Bucketer) position(key string) int {
	mac := hmac.New(sha256.New, b.seed)
	mac.Write([]byte(key))
	digest := hex.EncodeToString(mac.Sum(nil))
	n, err := strconv.ParseUint(digest[:8], 16, 64)
	if err != nil {
		// Unreachable: the input is always 8 hex characters.
		return 0
	}
	return int(n % 100)
}

// Bucket resolves the variant for a user already past the eligibility gates.
// A user outside the experiment's traffic slice lands in "control" with
// InExperiment=false; otherwise the ordered bucket list is walked by
// cumulative weight, falling back to the last bucket when the weights sum
// below 100.
func (b *Bucketer) Bucket(exp *Experiment, userID string) Assignment {
	base := Assignment{
		ExperimentID:   exp.ID,
		ExperimentName: exp.Name,
	}

	traffic := b.position(userID + ":" + exp.ID + ":traffic")
	if traffic >= exp.TrafficPercent {
		base.Bucket = "control"
		return base
	}

	pos := b.position(userID + ":" + exp.ID + ":bucket")
	cumulative := 0
	for _, bucket := range exp.Buckets {
		cumulative += bucket.Weight
		if pos < cumulative {
			base.Bucket = bucket.Name
			base.Config = bucket.Config
			base.InExperiment = true
			return base
		}
	}

	last := exp.Buckets[len(exp.Buckets)-1]
	base.Bucket = last.Name
	base.Config = last.Config
	base.InExperiment = true
	return base
}
