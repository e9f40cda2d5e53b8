package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatherly/chat/pkg/chat"
)

type ChatHandler struct {
	store  chat.Store
	roster *RosterCache
}

func NewChatHandler(store chat.Store, roster *RosterCache) *ChatHandler {
	return &ChatHandler{store: store, roster: roster}
}

type CreateChatPayload struct {
	ChatType chat.ChatType `json:"chatType" validate:"required"`
	Name     string        `json:"name" validate:"required"`
	Private  bool          `json:"private"`
	// ExpiresAt is required for event and meetup chats.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type CreateDirectMessagePayload struct {
	Other string `json:"other" validate:"required"`
}

type CreateChatResponse struct {
	ChatType   chat.ChatType `json:"chatType"`
	ChatroomID string        `json:"chatroomId"`
}

type MemberResponse struct {
	Username string          `json:"username"`
	Role     chat.MemberRole `json:"role"`
	Muted    bool            `json:"muted"`
	JoinedAt time.Time       `json:"joinedAt"`
}

func NewMembersResponse(members []chat.Member) []MemberResponse {
	out := make([]MemberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, MemberResponse{
			Username: m.Username,
			Role:     m.Role,
			Muted:    m.Muted,
			JoinedAt: m.JoinedAt,
		})
	}
	return out
}

// channelFromRequest builds the tagged channel key from the path. The chat
// type is validated so routing can never fall back to a bare id.
func channelFromRequest(r *http.Request) (chat.Channel, error) {
	ch := chat.Channel{
		Type:       chat.ChatType(chi.URLParam(r, "chatType")),
		ChatroomID: chi.URLParam(r, "chatroomID"),
	}
	if !ch.Type.Valid() || ch.ChatroomID == "" {
		return chat.Channel{}, NewApiError("invalid chat type", http.StatusBadRequest)
	}
	return ch, nil
}

func (h *ChatHandler) CreateChatHandler(w http.ResponseWriter, r *http.Request) error {
	defer r.Body.Close()
	var payload CreateChatPayload
	if err := DecodeJson(r.Body, &payload); err != nil {
		return NewApiError("invalid json", http.StatusBadRequest)
	}
	if err := validate.Struct(&payload); err != nil {
		return NewApiError(err.Error(), http.StatusBadRequest)
	}

	session := sessionFromRequest(r)

	ch, err := h.store.CreateRoom(r.Context(), chat.RoomCreateInput{
		Type:      payload.ChatType,
		Name:      payload.Name,
		Owner:     session.Username,
		Private:   payload.Private,
		ExpiresAt: payload.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidRoomType), errors.Is(err, chat.ErrMissingExpiry):
			return NewApiError(err.Error(), http.StatusBadRequest)
		case errors.Is(err, chat.ErrInvalidUser):
			return NewApiError(err.Error(), http.StatusBadRequest)
		default:
			return err
		}
	}

	return WriteJsonResponseWithStatusCode(w, CreateChatResponse{
		ChatType:   ch.Type,
		ChatroomID: ch.ChatroomID,
	}, http.StatusCreated)
}

func (h *ChatHandler) CreateDirectMessageHandler(w http.ResponseWriter, r *http.Request) error {
	defer r.Body.Close()
	var payload CreateDirectMessagePayload
	if err := DecodeJson(r.Body, &payload); err != nil {
		return NewApiError("invalid json", http.StatusBadRequest)
	}
	if err := validate.Struct(&payload); err != nil {
		return NewApiError(err.Error(), http.StatusBadRequest)
	}

	session := sessionFromRequest(r)

	ch, err := h.store.CreateDirectMessage(r.Context(), [2]string{session.Username, payload.Other})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidUser):
			return NewApiError(err.Error(), http.StatusBadRequest)
		case errors.Is(err, chat.ErrConflictedRoom):
			return NewApiError(err.Error(), http.StatusConflict)
		default:
			return err
		}
	}

	return WriteJsonResponseWithStatusCode(w, CreateChatResponse{
		ChatType:   ch.Type,
		ChatroomID: ch.ChatroomID,
	}, http.StatusCreated)
}

// JoinHandler adds the caller to the room; for event/meetup chats this is
// the RSVP record that grants channel access.
func (h *ChatHandler) JoinHandler(w http.ResponseWriter, r *http.Request) error {
	ch, err := channelFromRequest(r)
	if err != nil {
		return err
	}

	session := sessionFromRequest(r)

	if err := h.store.AddMember(r.Context(), ch, session.Username); err != nil {
		switch {
		case errors.Is(err, chat.ErrRoomNotFound):
			return NewApiError(err.Error(), http.StatusNotFound)
		case errors.Is(err, chat.ErrInvalidRoomType), errors.Is(err, chat.ErrInvalidUser):
			return NewApiError(err.Error(), http.StatusBadRequest)
		default:
			return err
		}
	}

	h.roster.Invalidate(ch)

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *ChatHandler) GetMembersHandler(w http.ResponseWriter, r *http.Request) error {
	ch, err := channelFromRequest(r)
	if err != nil {
		return err
	}

	session := sessionFromRequest(r)

	if err := h.store.CanAccess(r.Context(), ch, session.Username); err != nil {
		switch {
		case errors.Is(err, chat.ErrRoomNotFound):
			return NewApiError(err.Error(), http.StatusNotFound)
		case errors.Is(err, chat.ErrNotMember):
			return NewApiError(err.Error(), http.StatusForbidden)
		default:
			return err
		}
	}

	members, ok := h.roster.Get(ch)
	if !ok {
		members, err = h.store.GetMembers(r.Context(), ch)
		if err != nil {
			if errors.Is(err, chat.ErrRoomNotFound) {
				return NewApiError(err.Error(), http.StatusNotFound)
			}
			return err
		}
		h.roster.Put(ch, members)
	}

	return WriteJsonResponse(w, NewMembersResponse(members))
}
