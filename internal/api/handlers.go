package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/pkb/internal/checksum"
	"github.com/starford/pkb/internal/chunk"
	"github.com/starford/pkb/internal/pkb"
)

// Handler holds API route handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// chunkPath extracts the chunk path from the URL (everything after
// /chunks/). Supports encoded slashes from OpenAPI clients.
func chunkPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func dirName(r *http.Request) string {
	name := chi.URLParam(r, "name")
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}

// Identity handles GET /api/identity.
//
//	@Summary		Describe this device
//	@Tags			devices
//	@Produce		json
//	@Success		200	{object}	IdentityResponse
//	@Security		BearerAuth
//	@Router			/identity [get]
func (h *Handler) Identity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, IdentityResponse{NID: h.deps.Local, Emoji: h.deps.Stream.Identity()})
}

// ListDirectories handles GET /api/directories.
//
//	@Summary		List directories
//	@Tags			directories
//	@Produce		json
//	@Success		200	{object}	DirectoryListResponse
//	@Security		BearerAuth
//	@Router			/directories [get]
func (h *Handler) ListDirectories(w http.ResponseWriter, _ *http.Request) {
	dirs := h.deps.Directories.ListDirectories()
	if dirs == nil {
		dirs = []Directory{}
	}
	writeJSON(w, http.StatusOK, DirectoryListResponse{Directories: dirs})
}

// CreateDirectory handles POST /api/directories.
//
//	@Summary		Create a directory and share it with paired devices
//	@Tags			directories
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateDirectoryRequest	true	"Directory to create"
//	@Success		201		{object}	Directory
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories [post]
func (h *Handler) CreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req CreateDirectoryRequest
	if !decode(w, r, &req) {
		return
	}
	dir, err := h.deps.Directories.CreateDirectory(r.Context(), req)
	if err != nil {
		writeError(w, "create directory", err)
		return
	}
	writeJSON(w, http.StatusCreated, dir)
}

// GetDirectory handles GET /api/directories/{name}.
//
//	@Summary		Get a directory
//	@Tags			directories
//	@Produce		json
//	@Param			name	path		string	true	"Directory name"
//	@Success		200		{object}	Directory
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name} [get]
func (h *Handler) GetDirectory(w http.ResponseWriter, r *http.Request) {
	dir, err := h.deps.Directories.GetDirectory(dirName(r))
	if err != nil {
		writeError(w, "get directory", err)
		return
	}
	writeJSON(w, http.StatusOK, dir)
}

// DeleteDirectory handles DELETE /api/directories/{name}.
//
//	@Summary		Delete a directory on this device
//	@Tags			directories
//	@Param			name	path	string	true	"Directory name"
//	@Success		204		"Directory deleted"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name} [delete]
func (h *Handler) DeleteDirectory(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Directories.DeleteDirectory(r.Context(), dirName(r)); err != nil {
		writeError(w, "delete directory", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncDirectory handles POST /api/directories/{name}/sync.
//
//	@Summary		Merge a directory with the replicas of paired devices
//	@Tags			directories
//	@Produce		json
//	@Param			name	path		string	true	"Directory name"
//	@Success		200		{object}	merge.Result
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name}/sync [post]
func (h *Handler) SyncDirectory(w http.ResponseWriter, r *http.Request) {
	res, err := h.deps.Directories.SyncDirectory(r.Context(), dirName(r))
	if err != nil {
		writeError(w, "sync directory", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListChunks handles GET /api/directories/{name}/chunks.
//
//	@Summary		List the live chunks of a directory
//	@Tags			chunks
//	@Produce		json
//	@Param			name	path		string	true	"Directory name"
//	@Success		200		{object}	ChunkListResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name}/chunks [get]
func (h *Handler) ListChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := h.deps.Directories.ListChunks(dirName(r))
	if err != nil {
		writeError(w, "list chunks", err)
		return
	}
	if chunks == nil {
		chunks = []pkb.ChunkInfo{}
	}
	writeJSON(w, http.StatusOK, ChunkListResponse{Chunks: chunks})
}

// AddChunk handles POST /api/directories/{name}/chunks.
//
//	@Summary		Add a chunk and record it in the stream
//	@Tags			chunks
//	@Accept			json
//	@Produce		json
//	@Param			name	path		string			true	"Directory name"
//	@Param			body	body		AddChunkRequest	true	"Chunk to add"
//	@Success		201		{object}	StreamEntry
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name}/chunks [post]
func (h *Handler) AddChunk(w http.ResponseWriter, r *http.Request) {
	var req AddChunkRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := req.Chunk.ToChunk()
	if err != nil {
		writeError(w, "add chunk", err)
		return
	}
	entry, err := h.deps.Stream.AddChunk(r.Context(), dirName(r), req.Path, c)
	switch {
	case err == nil:
	case entry.Reference != "":
		// Committed locally; peers will learn about it on the next sync.
		w.Header().Set("Warning", `199 - "announce failed"`)
	default:
		writeError(w, "add chunk", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetChunk handles GET /api/directories/{name}/chunks/*.
//
//	@Summary		Read a chunk
//	@Tags			chunks
//	@Produce		json
//	@Param			name	path		string	true	"Directory name"
//	@Param			path	path		string	true	"Chunk path"
//	@Success		200		{object}	ChunkDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name}/chunks/{path} [get]
func (h *Handler) GetChunk(w http.ResponseWriter, r *http.Request) {
	name, path := dirName(r), chunkPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	rec, err := h.deps.Directories.ReadChunk(name, path)
	if err != nil {
		writeError(w, "read chunk", err)
		return
	}
	w.Header().Set("ETag", `"`+rec.ID.String()+`"`)
	writeJSON(w, http.StatusOK, ChunkDetail{
		Directory: name,
		Path:      rec.Path,
		ID:        rec.ID.String(),
		Kind:      rec.Kind,
		Chunk:     chunk.ToWire(rec.Chunk),
		Raw:       string(rec.Raw),
	})
}

// UpdateChunk handles PUT /api/directories/{name}/chunks/*.
//
//	@Summary		Rewrite a chunk with optimistic concurrency
//	@Tags			chunks
//	@Accept			json
//	@Produce		json
//	@Param			name		path		string				true	"Directory name"
//	@Param			path		path		string				true	"Chunk path"
//	@Param			If-Match	header		string				false	"Entry id the update is based on"
//	@Param			body		body		UpdateChunkRequest	true	"New content"
//	@Success		200			{object}	ChunkWriteResponse
//	@Failure		400			{object}	errResponse
//	@Failure		404			{object}	errResponse
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name}/chunks/{path} [put]
func (h *Handler) UpdateChunk(w http.ResponseWriter, r *http.Request) {
	name, path := dirName(r), chunkPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	var req UpdateChunkRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := req.Chunk.ToChunk()
	if err != nil {
		writeError(w, "update chunk", err)
		return
	}

	// Strip surrounding quotes if present (standard ETag format).
	var expected checksum.EntryID
	if ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`); ifMatch != "" {
		if expected, err = checksum.Parse(ifMatch); err != nil || expected.IsZero() {
			writeJSON(w, http.StatusConflict, errorBody("entry id mismatch"))
			return
		}
	}

	ing, err := h.deps.Directories.UpdateChunkIfMatch(r.Context(), name, path, c, expected)
	if err != nil && ing.Commit == "" {
		writeError(w, "update chunk", err)
		return
	}
	w.Header().Set("ETag", `"`+ing.ID.String()+`"`)
	writeJSON(w, http.StatusOK, ChunkWriteResponse{Path: ing.Path, ID: ing.ID.String(), Commit: ing.Commit})
}

// RemoveChunk handles DELETE /api/directories/{name}/chunks/*.
//
//	@Summary		Soft-delete a chunk
//	@Tags			chunks
//	@Produce		json
//	@Param			name	path		string	true	"Directory name"
//	@Param			path	path		string	true	"Chunk path"
//	@Success		200		{object}	ChunkWriteResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/directories/{name}/chunks/{path} [delete]
func (h *Handler) RemoveChunk(w http.ResponseWriter, r *http.Request) {
	name, path := dirName(r), chunkPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	commit, err := h.deps.Directories.RemoveChunk(r.Context(), name, path)
	if err != nil && commit == "" {
		writeError(w, "remove chunk", err)
		return
	}
	writeJSON(w, http.StatusOK, ChunkWriteResponse{Path: path, Commit: commit})
}

// See handles POST /api/see.
//
//	@Summary		Record a reference seen elsewhere
//	@Tags			stream
//	@Accept			json
//	@Produce		json
//	@Param			body	body		SeeRequest	true	"Reference"
//	@Success		200		{object}	StreamEntry
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/see [post]
func (h *Handler) See(w http.ResponseWriter, r *http.Request) {
	var req SeeRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.deps.Stream.See(req.Reference)
	if err != nil {
		writeError(w, "see", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
