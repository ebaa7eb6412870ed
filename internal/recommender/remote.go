package recommender

import (
	"context"
	"encoding/json"

	"github.com/feedstack/recommender/pkg/grpc"
	"github.com/feedstack/recommender/pkg/proto"
)

// RemoteProvider is a PostProvider backed by the content service over
// the internal RPC transport.
type RemoteProvider struct {
	client *grpc.Client
}

// NewRemoteProvider dials the content service at addr.
func NewRemoteProvider(addr string) (*RemoteProvider, error) {
	client, err := grpc.Dial(addr)
	if err != nil {
		return nil, err
	}
	return &RemoteProvider{client: client}, nil
}

func (p *RemoteProvider) RecentByAuthors(ctx context.Context, authorIDs []string, limit int) ([]PostCandidate, error) {
	var resp proto.PostsResponse
	req := proto.RecentByAuthorsRequest{AuthorIDs: authorIDs, Limit: limit}
	if err := p.client.Call(ctx, proto.MethodRecentByAuthors, &req, &resp); err != nil {
		return nil, err
	}
	return candidatesFromPosts(resp.Posts), nil
}

func (p *RemoteProvider) Popular(ctx context.Context, limit int) ([]PostCandidate, error) {
	var resp proto.PostsResponse
	req := proto.PopularRequest{Limit: limit}
	if err := p.client.Call(ctx, proto.MethodPopular, &req, &resp); err != nil {
		return nil, err
	}
	return candidatesFromPosts(resp.Posts), nil
}

func (p *RemoteProvider) AuthorStats(ctx context.Context, authorIDs []string) (map[string]AuthorStats, error) {
	var resp proto.AuthorStatsResponse
	req := proto.AuthorStatsRequest{AuthorIDs: authorIDs}
	if err := p.client.Call(ctx, proto.MethodAuthorStats, &req, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]AuthorStats, len(resp.Authors))
	for id, entry := range resp.Authors {
		out[id] = AuthorStats{Followers: entry.Followers, EngagementPrior: entry.EngagementPrior}
	}
	return out, nil
}

// Close releases the RPC connection.
func (p *RemoteProvider) Close() error {
	return p.client.Close()
}

func candidatesFromPosts(posts []proto.Post) []PostCandidate {
	out := make([]PostCandidate, len(posts))
	for i, post := range posts {
		out[i] = PostCandidate{
			PostID:    post.ID,
			AuthorID:  post.AuthorID,
			Text:      post.Text,
			CreatedAt: post.CreatedAt,
		}
	}
	return out
}

// RegisterContentService exposes a PostProvider over the RPC server,
// typically to serve the recommender from a content-holding process.
func RegisterContentService(s *grpc.Server, provider PostProvider) {
	s.Register(proto.MethodRecentByAuthors, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.RecentByAuthorsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		posts, err := provider.RecentByAuthors(ctx, req.AuthorIDs, req.Limit)
		if err != nil {
			return nil, err
		}
		return &proto.PostsResponse{Posts: postsFromCandidates(posts)}, nil
	})
	s.Register(proto.MethodPopular, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.PopularRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		posts, err := provider.Popular(ctx, req.Limit)
		if err != nil {
			return nil, err
		}
		return &proto.PostsResponse{Posts: postsFromCandidates(posts)}, nil
	})
	s.Register(proto.MethodAuthorStats, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req proto.AuthorStatsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, err
		}
		stats, err := provider.AuthorStats(ctx, req.AuthorIDs)
		if err != nil {
			return nil, err
		}
		resp := proto.AuthorStatsResponse{Authors: make(map[string]proto.AuthorStatsEntry, len(stats))}
		for id, st := range stats {
			resp.Authors[id] = proto.AuthorStatsEntry{Followers: st.Followers, EngagementPrior: st.EngagementPrior}
		}
		return &resp, nil
	})
}

func postsFromCandidates(candidates []PostCandidate) []proto.Post {
	out := make([]proto.Post, len(candidates))
	for i, c := range candidates {
		out[i] = proto.Post{
			ID:        c.PostID,
			AuthorID:  c.AuthorID,
			Text:      c.Text,
			CreatedAt: c.CreatedAt,
		}
	}
	return out
}
