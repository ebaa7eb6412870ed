package recommender

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/feedstack/recommender/internal/actions"
	"github.com/feedstack/recommender/internal/experiment"
	"github.com/feedstack/recommender/pkg/config"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		DefaultResultSize:   10,
		ComponentTimeout:    time.Second,
		SideEffectQueueSize: 16,
		SideEffectWorkers:   1,
	}
}

func testImpressionsConfig() config.ImpressionsConfig {
	return config.ImpressionsConfig{
		DedupWindow:   30 * time.Minute,
		DedupCapacity: 100,
	}
}

func seedProvider(now time.Time) *MemoryProvider {
	p := NewMemoryProvider()
	p.AddPost(PostCandidate{PostID: "friend-fresh", AuthorID: "friend", CreatedAt: now.Add(-time.Hour)})
	p.AddPost(PostCandidate{PostID: "friend-old", AuthorID: "friend", CreatedAt: now.Add(-72 * time.Hour)})
	p.AddPost(PostCandidate{PostID: "celeb-post", AuthorID: "celeb", CreatedAt: now.Add(-2 * time.Hour)})
	p.AddPost(PostCandidate{PostID: "blocked-post", AuthorID: "creep", CreatedAt: now.Add(-time.Hour)})
	p.SetAuthorStats("friend", AuthorStats{Followers: 100, EngagementPrior: 0.1})
	p.SetAuthorStats("celeb", AuthorStats{Followers: 1000000, EngagementPrior: 0.9})
	return p
}

func seedActions(t *testing.T, now time.Time) *actions.MemoryStore {
	t.Helper()
	store := actions.NewMemoryStore()
	err := store.LogActions(context.Background(), []actions.UserActionRecord{
		{UserID: "u1", Action: actions.TypeLike, TargetID: "x", TargetAuthorID: "friend", Timestamp: now.Add(-24 * time.Hour)},
		{UserID: "u1", Action: actions.TypeReply, TargetID: "y", TargetAuthorID: "friend", Timestamp: now.Add(-12 * time.Hour)},
		{UserID: "u1", Action: actions.TypeBlockAuthor, TargetID: "z", TargetAuthorID: "creep", Timestamp: now.Add(-48 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("LogActions: %v", err)
	}
	return store
}

func TestRecommendForUserRanksAndFilters(t *testing.T) {
	now := time.Now()
	svc := NewService(testPipelineConfig(), testImpressionsConfig(), Deps{
		Provider: seedProvider(now),
		Actions:  seedActions(t, now),
	})
	defer svc.Close()

	result, err := svc.RecommendForUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("RecommendForUser: %v", err)
	}

	if len(result.Selected) == 0 {
		t.Fatal("no recommendations")
	}
	seen := map[string]bool{}
	for _, sc := range result.Selected {
		seen[sc.Candidate.PostID] = true
		if sc.Candidate.AuthorID == "creep" {
			t.Error("blocked author reached the result")
		}
	}
	if !seen["friend-fresh"] || !seen["celeb-post"] {
		t.Errorf("selected = %v, want both in-network and popular candidates", seen)
	}

	// Fresh in-network beats stale in-network from the same author.
	rank := map[string]int{}
	for i, sc := range result.Selected {
		rank[sc.Candidate.PostID] = i
	}
	if old, ok := rank["friend-old"]; ok && old < rank["friend-fresh"] {
		t.Error("older post from the same author ranked above the fresher one")
	}
}

func TestRecommendForUserAttributesRecallSource(t *testing.T) {
	now := time.Now()
	svc := NewService(testPipelineConfig(), testImpressionsConfig(), Deps{
		Provider: seedProvider(now),
		Actions:  seedActions(t, now),
	})
	defer svc.Close()

	result, err := svc.RecommendForUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("RecommendForUser: %v", err)
	}

	for _, sc := range result.Selected {
		switch sc.Candidate.AuthorID {
		case "friend":
			if sc.Candidate.Source != SourceInNetwork || !sc.Candidate.InNetwork {
				t.Errorf("friend post source = %q in_network=%v", sc.Candidate.Source, sc.Candidate.InNetwork)
			}
		case "celeb":
			if sc.Candidate.Source != SourcePopular {
				t.Errorf("celeb post source = %q, want %q", sc.Candidate.Source, SourcePopular)
			}
		}
	}
}

func TestRecommendForUserEmptyUserID(t *testing.T) {
	svc := NewService(testPipelineConfig(), testImpressionsConfig(), Deps{
		Provider: NewMemoryProvider(),
		Actions:  actions.NewMemoryStore(),
	})
	defer svc.Close()

	if _, err := svc.RecommendForUser(context.Background(), "", 10); err == nil {
		t.Error("expected an error for empty user id")
	}
}

func TestRecommendForUserColdStartFallsBackToPopular(t *testing.T) {
	now := time.Now()
	svc := NewService(testPipelineConfig(), testImpressionsConfig(), Deps{
		Provider: seedProvider(now),
		Actions:  actions.NewMemoryStore(),
	})
	defer svc.Close()

	result, err := svc.RecommendForUser(context.Background(), "brand-new-user", 10)
	if err != nil {
		t.Fatalf("RecommendForUser: %v", err)
	}
	if len(result.Selected) == 0 {
		t.Fatal("cold-start user got no recommendations")
	}
	for _, sc := range result.Selected {
		if sc.Candidate.Source != SourcePopular {
			t.Errorf("cold-start candidate from %q, want popular only", sc.Candidate.Source)
		}
	}
}

func TestRecommendForUserRespectsLimit(t *testing.T) {
	now := time.Now()
	provider := NewMemoryProvider()
	for i := 0; i < 30; i++ {
		provider.AddPost(PostCandidate{
			PostID:    fmt.Sprintf("post-%02d", i),
			AuthorID:  "author",
			CreatedAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}

	svc := NewService(testPipelineConfig(), testImpressionsConfig(), Deps{
		Provider: provider,
		Actions:  actions.NewMemoryStore(),
	})
	defer svc.Close()

	result, err := svc.RecommendForUser(context.Background(), "u1", 3)
	if err != nil {
		t.Fatalf("RecommendForUser: %v", err)
	}
	if len(result.Selected) != 3 {
		t.Errorf("selected %d, want 3", len(result.Selected))
	}
}

func TestRecommendForUserExperimentTunesRanking(t *testing.T) {
	now := time.Now()
	expStore := experiment.NewMemoryStore()
	err := expStore.SaveExperiment(context.Background(), &experiment.Experiment{
		ID:             ExpRankingWeights,
		Name:           "Ranking weight sweep",
		Status:         experiment.StatusRunning,
		TrafficPercent: 100,
		Buckets: []experiment.Bucket{
			// Everyone lands here: affinity dominates all other signals.
			{Name: "affinity-heavy", Weight: 100, Config: map[string]any{"affinity_weight": 100.0}},
		},
	})
	if err != nil {
		t.Fatalf("SaveExperiment: %v", err)
	}
	expService := experiment.NewService(expStore, experiment.NewMemoryCache(), experiment.NewBucketer("test-seed"))

	svc := NewService(testPipelineConfig(), testImpressionsConfig(), Deps{
		Provider:    seedProvider(now),
		Actions:     seedActions(t, now),
		Experiments: expService,
	})
	defer svc.Close()

	result, err := svc.RecommendForUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("RecommendForUser: %v", err)
	}
	if len(result.Selected) == 0 {
		t.Fatal("no recommendations")
	}
	if got := result.Selected[0].Candidate.AuthorID; got != "friend" {
		t.Errorf("top author = %q, want friend under an affinity-heavy experiment", got)
	}
}

func TestRecommendForUserLogsImpressions(t *testing.T) {
	now := time.Now()
	actionStore := seedActions(t, now)
	collector := actions.NewCollector(actionStore, nil, 100, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	collector.Start(ctx)

	svc := NewService(testPipelineConfig(), testImpressionsConfig(), Deps{
		Provider:  seedProvider(now),
		Actions:   actionStore,
		Collector: collector,
	})

	result, err := svc.RecommendForUser(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("RecommendForUser: %v", err)
	}

	// Close drains the side-effect queue, then shut the collector down to
	// force its final flush.
	svc.Close()
	cancel()
	collector.Close()

	impressions, err := actionStore.ListUserActions(context.Background(), actions.Query{
		UserID: "u1",
		Types:  []actions.Type{actions.TypeImpression},
	})
	if err != nil {
		t.Fatalf("ListUserActions: %v", err)
	}
	if len(impressions) != len(result.Selected) {
		t.Fatalf("logged %d impressions, want %d", len(impressions), len(result.Selected))
	}
	for _, imp := range impressions {
		if imp.RequestID != result.RequestID {
			t.Errorf("impression request id = %q, want %q", imp.RequestID, result.RequestID)
		}
		if imp.ProductSurface != "home" {
			t.Errorf("surface = %q, want home", imp.ProductSurface)
		}
	}
}
