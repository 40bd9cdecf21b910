package node

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
)

type nodeInfo struct {
	NID models.NodeID `json:"nid"`
}

type seedRequest struct {
	RID   models.RepoID `json:"rid"`
	Scope Scope         `json:"scope"`
}

type followRequest struct {
	NID   models.NodeID `json:"nid"`
	Alias string        `json:"alias"`
}

type updatedResponse struct {
	Updated bool `json:"updated"`
}

type delegatesRequest struct {
	Add    []models.NodeID `json:"add"`
	Remove []models.NodeID `json:"remove"`
}

type errResponse struct {
	Error string `json:"error"`
}

// Handler exposes a Node as the control API Client talks to.
type Handler struct {
	n      Node
	logger *slog.Logger
}

// NewHandler returns the control API router for n.
func NewHandler(n Node, logger *slog.Logger) chi.Router {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{n: n, logger: logger}

	r := chi.NewRouter()
	r.Get("/v1/node", h.info)
	r.Get("/v1/seeds", h.seeds)
	r.Post("/v1/seeds", h.seed)
	r.Delete("/v1/seeds/{rid}", h.unseed)
	r.Get("/v1/follows", h.follows)
	r.Post("/v1/follows", h.follow)
	r.Delete("/v1/follows/{nid}", h.unfollow)
	r.Get("/v1/repos", h.repositories)
	r.Post("/v1/repos", h.initRepository)
	r.Get("/v1/repos/{rid}", h.repository)
	r.Patch("/v1/repos/{rid}/delegates", h.updateDelegates)
	r.Post("/v1/repos/{rid}/announce", h.announce)
	return r
}

func (h *Handler) info(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, nodeInfo{NID: h.n.LocalID()})
}

func (h *Handler) seeds(w http.ResponseWriter, r *http.Request) {
	out, err := h.n.SeedPolicies(r.Context())
	if err != nil {
		h.fail(w, "seed policies", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handler) seed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.n.Seed(r.Context(), req.RID, req.Scope); err != nil {
		h.fail(w, "seed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unseed(w http.ResponseWriter, r *http.Request) {
	if err := h.n.Unseed(r.Context(), models.RepoID(chi.URLParam(r, "rid"))); err != nil {
		h.fail(w, "unseed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) follows(w http.ResponseWriter, r *http.Request) {
	out, err := h.n.FollowPolicies(r.Context())
	if err != nil {
		h.fail(w, "follow policies", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handler) follow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if !decode(w, r, &req) {
		return
	}
	updated, err := h.n.Follow(r.Context(), req.NID, req.Alias)
	if err != nil {
		h.fail(w, "follow", err)
		return
	}
	writeJSON(w, http.StatusOK, updatedResponse{Updated: updated})
}

func (h *Handler) unfollow(w http.ResponseWriter, r *http.Request) {
	nid, err := models.ParseNodeID(chi.URLParam(r, "nid"))
	if err != nil {
		h.fail(w, "unfollow", apperr.Invalid("nid", err.Error()))
		return
	}
	updated, err := h.n.Unfollow(r.Context(), nid)
	if err != nil {
		h.fail(w, "unfollow", err)
		return
	}
	writeJSON(w, http.StatusOK, updatedResponse{Updated: updated})
}

func (h *Handler) repositories(w http.ResponseWriter, r *http.Request) {
	out, err := h.n.Repositories(r.Context())
	if err != nil {
		h.fail(w, "repositories", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handler) initRepository(w http.ResponseWriter, r *http.Request) {
	var doc Repository
	if !decode(w, r, &doc) {
		return
	}
	if err := h.n.InitRepository(r.Context(), doc); err != nil {
		h.fail(w, "init repository", err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) repository(w http.ResponseWriter, r *http.Request) {
	doc, err := h.n.Repository(r.Context(), models.RepoID(chi.URLParam(r, "rid")))
	if err != nil {
		h.fail(w, "repository", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) updateDelegates(w http.ResponseWriter, r *http.Request) {
	var req delegatesRequest
	if !decode(w, r, &req) {
		return
	}
	doc, err := h.n.UpdateDelegates(r.Context(), models.RepoID(chi.URLParam(r, "rid")), req.Add, req.Remove)
	if err != nil {
		h.fail(w, "update delegates", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) announce(w http.ResponseWriter, r *http.Request) {
	if err := h.n.AnnounceRefs(r.Context(), models.RepoID(chi.URLParam(r, "rid"))); err != nil {
		h.fail(w, "announce", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	code := apperr.Status(err)
	if code >= http.StatusInternalServerError && code != http.StatusNotImplemented {
		h.logger.Error("node api: "+op+" failed", slog.String("error", err.Error()))
	}
	writeJSON(w, code, errResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
