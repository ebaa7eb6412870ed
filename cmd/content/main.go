package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feedstack/recommender/internal/recommender"
	"github.com/feedstack/recommender/pkg/config"
	"github.com/feedstack/recommender/pkg/grpc"
	"github.com/feedstack/recommender/pkg/logger"
)

// content serves the ContentService RPC from an in-memory corpus,
// optionally seeded from a JSON fixture. It stands in for the real
// content platform in development and load testing.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	addr := flag.String("addr", ":9000", "RPC listen address")
	seedPath := flag.String("seed", "", "JSON fixture with posts and author stats (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	provider := recommender.NewMemoryProvider()
	if *seedPath != "" {
		if err := seedProvider(provider, *seedPath); err != nil {
			slog.Error("failed to load seed fixture", "path", *seedPath, "error", err)
			os.Exit(1)
		}
	}

	server := grpc.NewServer()
	recommender.RegisterContentService(server, provider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		server.Stop()
	}()

	slog.Info("content service starting", "addr", *addr)
	if err := server.Serve(*addr); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("content service stopped")
}

type seedFile struct {
	Posts []struct {
		ID        string    `json:"id"`
		AuthorID  string    `json:"author_id"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"posts"`
	Authors map[string]struct {
		Followers       int     `json:"followers"`
		EngagementPrior float64 `json:"engagement_prior"`
	} `json:"authors"`
}

func seedProvider(provider *recommender.MemoryProvider, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, p := range seed.Posts {
		provider.AddPost(recommender.PostCandidate{
			PostID:    p.ID,
			AuthorID:  p.AuthorID,
			Text:      p.Text,
			CreatedAt: p.CreatedAt,
		})
	}
	for id, a := range seed.Authors {
		provider.SetAuthorStats(id, recommender.AuthorStats{
			Followers:       a.Followers,
			EngagementPrior: a.EngagementPrior,
		})
	}

	slog.Info("seed fixture loaded", "posts", len(seed.Posts), "authors", len(seed.Authors))
	return nil
}
