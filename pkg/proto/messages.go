// Package proto defines the wire messages exchanged with the content
// service over the internal RPC transport (see pkg/grpc). Messages are
// plain structs with JSON struct tags; the framing layer handles
// serialization.
package proto

import "time"

// RPC method names exposed by the content service.
const (
	MethodRecentByAuthors = "ContentService.RecentByAuthors"
	MethodPopular         = "ContentService.Popular"
	MethodAuthorStats     = "ContentService.AuthorStats"
)

// Post is the content service's representation of a single post.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentByAuthorsRequest asks for recent posts from a set of authors,
// newest first.
type RecentByAuthorsRequest struct {
	AuthorIDs []string `json:"author_ids"`
	Limit     int      `json:"limit"`
}

// PopularRequest asks for globally popular posts.
type PopularRequest struct {
	Limit int `json:"limit"`
}

// PostsResponse carries posts back for both recency and popularity
// queries.
type PostsResponse struct {
	Posts []Post `json:"posts"`
}

// AuthorStatsRequest asks for per-author aggregate features.
type AuthorStatsRequest struct {
	AuthorIDs []string `json:"author_ids"`
}

// AuthorStatsEntry holds the aggregates for one author.
type AuthorStatsEntry struct {
	Followers       int     `json:"followers"`
	EngagementPrior float64 `json:"engagement_prior"`
}

// AuthorStatsResponse maps author id to that author's aggregates.
// Authors the content service has never seen are absent from the map.
type AuthorStatsResponse struct {
	Authors map[string]AuthorStatsEntry `json:"authors"`
}
