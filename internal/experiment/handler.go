package experiment

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/feedstack/recommender/pkg/errors"
	"github.com/feedstack/recommender/pkg/logger"
)

// Handler exposes experiment administration over HTTP. Routes:
//
//	GET    /experiments          list
//	POST   /experiments          create or update
//	GET    /experiments/{id}     fetch
//	DELETE /experiments/{id}     delete
//	GET    /experiments/{id}/assignment?user_id=...  evaluate
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default().With("component", "experiment-handler"),
	}
}

func (h *Handler) Collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.save(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) Item(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/experiments/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "experiment id is required")
		return
	}

	switch {
	case sub == "assignment" && r.Method == http.MethodGet:
		h.assignment(w, r, id)
	case sub == "" && r.Method == http.MethodGet:
		h.get(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		h.delete(w, r, id)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	exps, err := h.service.Store().ListExperiments(r.Context(), status)
	if err != nil {
		logger.FromContext(r.Context()).Error("failed to list experiments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list experiments")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"experiments": exps})
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	var exp Experiment
	if err := json.NewDecoder(r.Body).Decode(&exp); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := exp.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.SaveExperiment(r.Context(), &exp); err != nil {
		logger.FromContext(r.Context()).Error("failed to save experiment", "experiment", exp.ID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to save experiment")
		return
	}

	h.writeJSON(w, http.StatusOK, &exp)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, id string) {
	exp, err := h.service.Store().GetExperiment(r.Context(), id)
	if err != nil {
		if stderrors.Is(err, errors.ErrExperimentNotFound) {
			h.writeError(w, http.StatusNotFound, "experiment not found")
			return
		}
		logger.FromContext(r.Context()).Error("failed to load experiment", "experiment", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load experiment")
		return
	}
	h.writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.service.DeleteExperiment(r.Context(), id); err != nil {
		if stderrors.Is(err, errors.ErrExperimentNotFound) {
			h.writeError(w, http.StatusNotFound, "experiment not found")
			return
		}
		logger.FromContext(r.Context()).Error("failed to delete experiment", "experiment", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to delete experiment")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) assignment(w http.ResponseWriter, r *http.Request, id string) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'user_id' is required")
		return
	}

	a := h.service.AssignmentFor(r.Context(), id, userID, UserFeatures{})
	if a == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"assigned": false})
		return
	}
	h.writeJSON(w, http.StatusOK, a)
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
