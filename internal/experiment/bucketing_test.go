package experiment

import (
	"fmt"
	"testing"
)

func twoArmExperiment(traffic int) *Experiment {
	return &Experiment{
		ID:             "ranking-weights",
		Name:           "Ranking weight sweep",
		Status:         StatusRunning,
		TrafficPercent: traffic,
		Buckets: []Bucket{
			{Name: "control", Weight: 50},
			{Name: "treatment", Weight: 50, Config: map[string]any{"affinity_weight": 2.0}},
		},
	}
}

func TestBucketDeterministic(t *testing.T) {
	b := NewBucketer("test-seed")
	exp := twoArmExperiment(100)

	first := b.Bucket(exp, "user-1")
	for i := 0; i < 50; i++ {
		got := b.Bucket(exp, "user-1")
		if got.Bucket != first.Bucket || got.InExperiment != first.InExperiment {
			t.Fatalf("assignment changed between calls: %+v vs %+v", first, got)
		}
	}
}

func TestBucketFullTrafficAlwaysAssigns(t *testing.T) {
	b := NewBucketer("test-seed")
	exp := &Experiment{
		ID:             "single-arm",
		Status:         StatusRunning,
		TrafficPercent: 100,
		Buckets:        []Bucket{{Name: "only", Weight: 100}},
	}

	for i := 0; i < 200; i++ {
		a := b.Bucket(exp, fmt.Sprintf("user-%d", i))
		if !a.InExperiment || a.Bucket != "only" {
			t.Fatalf("user-%d: got %+v, want bucket=only in experiment", i, a)
		}
	}
}

func TestBucketZeroTrafficExcludesEveryone(t *testing.T) {
	b := NewBucketer("test-seed")
	exp := twoArmExperiment(0)

	for i := 0; i < 200; i++ {
		a := b.Bucket(exp, fmt.Sprintf("user-%d", i))
		if a.InExperiment {
			t.Fatalf("user-%d entered a zero-traffic experiment: %+v", i, a)
		}
		if a.Bucket != "control" {
			t.Fatalf("user-%d: out-of-traffic bucket = %q, want control", i, a.Bucket)
		}
	}
}

func TestBucketSplitIsRoughlyEven(t *testing.T) {
	b := NewBucketer("test-seed")
	exp := twoArmExperiment(100)

	const n = 10000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		a := b.Bucket(exp, fmt.Sprintf("user-%d", i))
		counts[a.Bucket]++
	}

	// 50/50 split over 10k users; allow 3 percentage points of drift.
	for _, name := range []string{"control", "treatment"} {
		got := counts[name]
		if got < n*47/100 || got > n*53/100 {
			t.Errorf("bucket %s got %d of %d users, want ~%d", name, got, n, n/2)
		}
	}
}

func TestBucketWeightWalkFallsBackToLastBucket(t *testing.T) {
	b := NewBucketer("test-seed")
	// Weights sum to 60: positions in [60,100) must land in the last bucket.
	exp := &Experiment{
		ID:             "underweighted",
		Status:         StatusRunning,
		TrafficPercent: 100,
		Buckets: []Bucket{
			{Name: "a", Weight: 30},
			{Name: "b", Weight: 30},
		},
	}

	sawB := false
	for i := 0; i < 500; i++ {
		a := b.Bucket(exp, fmt.Sprintf("user-%d", i))
		if !a.InExperiment {
			t.Fatalf("user-%d excluded at full traffic", i)
		}
		if a.Bucket != "a" && a.Bucket != "b" {
			t.Fatalf("user-%d landed in unknown bucket %q", i, a.Bucket)
		}
		if a.Bucket == "b" {
			sawB = true
		}
	}
	if !sawB {
		t.Error("no user ever reached the fallback bucket")
	}
}

func TestBucketSeedChangesReshuffle(t *testing.T) {
	exp := twoArmExperiment(100)
	b1 := NewBucketer("seed-one")
	b2 := NewBucketer("seed-two")

	moved := 0
	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("user-%d", i)
		if b1.Bucket(exp, user).Bucket != b2.Bucket(exp, user).Bucket {
			moved++
		}
	}
	if moved == 0 {
		t.Error("changing the seed moved no users between buckets")
	}
}
