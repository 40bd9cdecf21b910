package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/pkb/internal/apperr"
	"github.com/starford/pkb/internal/models"
	"github.com/starford/pkb/internal/pairing"
)

func parseNID(w http.ResponseWriter, raw string) (models.NodeID, bool) {
	nid, err := models.ParseNodeID(raw)
	if err != nil {
		writeError(w, "parse node id", apperr.Invalid("nid", err.Error()))
		return models.NodeID{}, false
	}
	return nid, true
}

// ListDevices handles GET /api/devices.
//
//	@Summary		List paired devices and their delegated directories
//	@Tags			devices
//	@Produce		json
//	@Success		200	{object}	DeviceListResponse
//	@Security		BearerAuth
//	@Router			/devices [get]
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.deps.Devices.List(r.Context())
	if err != nil {
		writeError(w, "list devices", err)
		return
	}
	if devices == nil {
		devices = []pairing.PairedDevice{}
	}
	writeJSON(w, http.StatusOK, DeviceListResponse{Devices: devices})
}

// PairDevice handles POST /api/devices.
//
//	@Summary		Pair a device by node id
//	@Tags			devices
//	@Accept			json
//	@Param			body	body	PairDeviceRequest	true	"Device to pair"
//	@Success		204		"Device paired"
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/devices [post]
func (h *Handler) PairDevice(w http.ResponseWriter, r *http.Request) {
	var req PairDeviceRequest
	if !decode(w, r, &req) {
		return
	}
	nid, ok := parseNID(w, req.NID)
	if !ok {
		return
	}
	if err := h.deps.Devices.Pair(r.Context(), nid, req.Alias); err != nil {
		writeError(w, "pair device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnpairDevice handles DELETE /api/devices/{nid}.
//
//	@Summary		Unpair a device and revoke all its delegations
//	@Tags			devices
//	@Param			nid	path	string	true	"Node id"
//	@Success		204	"Device unpaired"
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/devices/{nid} [delete]
func (h *Handler) UnpairDevice(w http.ResponseWriter, r *http.Request) {
	nid, ok := parseNID(w, chi.URLParam(r, "nid"))
	if !ok {
		return
	}
	if err := h.deps.Devices.Unpair(r.Context(), nid); err != nil {
		writeError(w, "unpair device", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GrantAccess handles PUT /api/devices/{nid}/directories/{name}.
//
//	@Summary		Delegate a directory to a paired device
//	@Tags			devices
//	@Param			nid		path	string	true	"Node id"
//	@Param			name	path	string	true	"Directory name"
//	@Success		204		"Access granted"
//	@Failure		403		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/devices/{nid}/directories/{name} [put]
func (h *Handler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	nid, ok := parseNID(w, chi.URLParam(r, "nid"))
	if !ok {
		return
	}
	if err := h.deps.Devices.GrantAccess(r.Context(), nid, dirName(r)); err != nil {
		writeError(w, "grant access", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAccess handles DELETE /api/devices/{nid}/directories/{name}.
//
//	@Summary		Withdraw a directory delegation
//	@Tags			devices
//	@Param			nid		path	string	true	"Node id"
//	@Param			name	path	string	true	"Directory name"
//	@Success		204		"Access revoked"
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/devices/{nid}/directories/{name} [delete]
func (h *Handler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	nid, ok := parseNID(w, chi.URLParam(r, "nid"))
	if !ok {
		return
	}
	if err := h.deps.Devices.RevokeAccess(r.Context(), nid, dirName(r)); err != nil {
		writeError(w, "revoke access", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InitiatePairing handles POST /api/pairing.
//
//	@Summary		Open a pairing handshake
//	@Tags			pairing
//	@Accept			json
//	@Produce		json
//	@Param			body	body		InitiatePairingRequest	false	"Alias shown to the other device"
//	@Success		201		{object}	pairing.PendingPairing
//	@Security		BearerAuth
//	@Router			/pairing [post]
func (h *Handler) InitiatePairing(w http.ResponseWriter, r *http.Request) {
	var req InitiatePairingRequest
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusCreated, h.deps.Pairing.Initiate(h.deps.Local, req.Alias))
}

// CompletePairing handles POST /api/pairing/complete.
//
//	@Summary		Complete a pairing handshake with the other device's id
//	@Tags			pairing
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CompletePairingRequest	true	"Token and remote node id"
//	@Success		200		{object}	CompletePairingResponse
//	@Failure		400		{object}	errResponse
//	@Failure		410		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pairing/complete [post]
func (h *Handler) CompletePairing(w http.ResponseWriter, r *http.Request) {
	var req CompletePairingRequest
	if !decode(w, r, &req) {
		return
	}
	nid, ok := parseNID(w, req.NID)
	if !ok {
		return
	}
	paired, err := h.deps.Pairing.Complete(r.Context(), req.Token, nid, req.Alias)
	if err != nil {
		writeError(w, "complete pairing", err)
		return
	}
	writeJSON(w, http.StatusOK, CompletePairingResponse{NID: paired})
}
