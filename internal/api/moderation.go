package api

import (
	"errors"
	"net/http"

	"github.com/gatherly/chat/pkg/auth"
	"github.com/gatherly/chat/pkg/chat"
)

// ModerationHandler exposes the admin-gated mute/unmute operations. The
// binding enforcement point for mutes is message acceptance in the protocol
// gateway; these endpoints only maintain the MuteRecord set and keep the
// cached roster fresh so mute badges update promptly.
type ModerationHandler struct {
	store  chat.Store
	roster *RosterCache
}

func NewModerationHandler(store chat.Store, roster *RosterCache) *ModerationHandler {
	return &ModerationHandler{store: store, roster: roster}
}

type MutePayload struct {
	Target string `json:"target" validate:"required"`
	Reason string `json:"reason,omitempty"`
}

type UnmutePayload struct {
	Target string `json:"target" validate:"required"`
}

// requireAdmin checks the caller's role for the channel. Any admin may mute
// any member, other admins included; there is no tier above admin.
func (h *ModerationHandler) requireAdmin(r *http.Request, ch chat.Channel) error {
	session := sessionFromRequest(r)
	ok, err := h.store.IsAdmin(r.Context(), ch, session.Username)
	if err != nil {
		return err
	}
	if !ok {
		return NewApiError(auth.ErrUnauthorized.Error(), http.StatusForbidden)
	}
	return nil
}

func (h *ModerationHandler) MuteHandler(w http.ResponseWriter, r *http.Request) error {
	ch, err := channelFromRequest(r)
	if err != nil {
		return err
	}
	if err := h.requireAdmin(r, ch); err != nil {
		return err
	}

	defer r.Body.Close()
	var payload MutePayload
	if err := DecodeJson(r.Body, &payload); err != nil {
		return NewApiError("invalid json", http.StatusBadRequest)
	}
	if err := validate.Struct(&payload); err != nil {
		return NewApiError(err.Error(), http.StatusBadRequest)
	}

	session := sessionFromRequest(r)

	if err := h.store.Mute(r.Context(), ch, payload.Target, session.Username, payload.Reason); err != nil {
		switch {
		case errors.Is(err, chat.ErrNotMember):
			return NewApiError(err.Error(), http.StatusNotFound)
		default:
			return err
		}
	}

	h.roster.Invalidate(ch)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ModerationHandler) UnmuteHandler(w http.ResponseWriter, r *http.Request) error {
	ch, err := channelFromRequest(r)
	if err != nil {
		return err
	}
	if err := h.requireAdmin(r, ch); err != nil {
		return err
	}

	defer r.Body.Close()
	var payload UnmutePayload
	if err := DecodeJson(r.Body, &payload); err != nil {
		return NewApiError("invalid json", http.StatusBadRequest)
	}
	if err := validate.Struct(&payload); err != nil {
		return NewApiError(err.Error(), http.StatusBadRequest)
	}

	if err := h.store.Unmute(r.Context(), ch, payload.Target); err != nil {
		return err
	}

	h.roster.Invalidate(ch)

	w.WriteHeader(http.StatusNoContent)
	return nil
}
