package recommender

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/feedstack/recommender/internal/actions"
	"github.com/feedstack/recommender/internal/auth/ratelimit"
	"github.com/feedstack/recommender/internal/pipeline"
	"github.com/feedstack/recommender/pkg/logger"
)

type Handler struct {
	service    *Service
	collector  *actions.Collector
	maxResults int
	limiter    *ratelimit.Limiter
	userLimit  int
	logger     *slog.Logger
}

func NewHandler(service *Service, collector *actions.Collector, maxResults int) *Handler {
	return &Handler{
		service:    service,
		collector:  collector,
		maxResults: maxResults,
		logger:     slog.Default().With("component", "recommender-handler"),
	}
}

// WithRateLimit caps feed requests per user. perUser is the number of
// requests allowed per limiter window; zero leaves the handler
// unlimited.
func (h *Handler) WithRateLimit(l *ratelimit.Limiter, perUser int) *Handler {
	h.limiter = l
	h.userLimit = perUser
	return h
}

type recommendedPost struct {
	PostID    string             `json:"post_id"`
	AuthorID  string             `json:"author_id"`
	Rank      int                `json:"rank"`
	Score     float64            `json:"score"`
	Source    string             `json:"source"`
	InNetwork bool               `json:"in_network"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

type recommendResponse struct {
	RequestID string            `json:"request_id"`
	UserID    string            `json:"user_id"`
	Posts     []recommendedPost `json:"posts"`
	Timing    pipeline.Timing   `json:"timing"`
}

func (h *Handler) Recommend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'user_id' is required")
		return
	}

	if h.limiter != nil && h.userLimit > 0 && !h.limiter.Allow(userID, h.userLimit) {
		h.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if h.maxResults > 0 && parsed > h.maxResults {
			parsed = h.maxResults
		}
		limit = parsed
	}
	debug := r.URL.Query().Get("debug") == "true"

	result, err := h.service.RecommendForUser(ctx, userID, limit)
	if err != nil {
		log.Error("recommendation failed", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "recommendation failed")
		return
	}

	resp := recommendResponse{
		RequestID: result.RequestID,
		UserID:    userID,
		Posts:     make([]recommendedPost, 0, len(result.Selected)),
		Timing:    result.Timing,
	}
	for i, sc := range result.Selected {
		post := recommendedPost{
			PostID:    sc.Candidate.PostID,
			AuthorID:  sc.Candidate.AuthorID,
			Rank:      i + 1,
			Score:     sc.Score,
			Source:    sc.Candidate.Source,
			InNetwork: sc.Candidate.InNetwork,
		}
		if debug {
			post.Breakdown = sc.Breakdown
		}
		resp.Posts = append(resp.Posts, post)
	}

	log.Info("recommendation completed",
		"user_id", userID,
		"request_id", result.RequestID,
		"returned", len(resp.Posts),
		"retrieved", result.RetrievedCount,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	h.writeJSON(w, http.StatusOK, resp)
}

type actionRequest struct {
	UserID       string `json:"user_id"`
	Action       string `json:"action"`
	TargetID     string `json:"target_id"`
	TargetAuthor string `json:"target_author_id"`
	RequestID    string `json:"request_id"`
	DwellTimeMs  int64  `json:"dwell_time_ms"`
	Surface      string `json:"surface"`
}

// LogActions ingests client-side engagement events. Accepts a JSON
// array of actions; unknown action types reject the whole batch.
func (h *Handler) LogActions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	if h.collector == nil {
		h.writeError(w, http.StatusServiceUnavailable, "action ingestion is disabled")
		return
	}

	var reqs []actionRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(reqs) == 0 {
		h.writeError(w, http.StatusBadRequest, "at least one action is required")
		return
	}

	now := time.Now().UTC()
	records := make([]actions.UserActionRecord, 0, len(reqs))
	for _, req := range reqs {
		if req.UserID == "" || req.TargetID == "" {
			h.writeError(w, http.StatusBadRequest, "user_id and target_id are required")
			return
		}
		typ := actions.Type(req.Action)
		if !typ.Valid() {
			h.writeError(w, http.StatusBadRequest, "unknown action type: "+req.Action)
			return
		}
		records = append(records, actions.UserActionRecord{
			UserID:         req.UserID,
			Action:         typ,
			TargetID:       req.TargetID,
			TargetAuthorID: req.TargetAuthor,
			RequestID:      req.RequestID,
			DwellTimeMs:    req.DwellTimeMs,
			ProductSurface: req.Surface,
			Timestamp:      now,
		})
	}

	h.collector.Record(records...)

	log.Info("actions accepted", "count", len(records))
	h.writeJSON(w, http.StatusAccepted, map[string]any{"accepted": len(records)})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
