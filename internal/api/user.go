package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gatherly/chat/pkg/auth"
	"github.com/gatherly/chat/pkg/user"
)

type UserHandler struct {
	userStore user.UserStore
	auth      auth.Auth
}

func NewUserHandler(userStore user.UserStore, a auth.Auth) *UserHandler {
	return &UserHandler{userStore: userStore, auth: a}
}

type SignupPayload struct {
	Username string `json:"username" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

type SigninPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type SigninResponse struct {
	Token string    `json:"token"`
	Exp   time.Time `json:"exp"`
}

type UserResponse struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

func (h *UserHandler) SignupHandler(w http.ResponseWriter, r *http.Request) error {
	defer r.Body.Close()
	var payload SignupPayload
	if err := DecodeJson(r.Body, &payload); err != nil {
		return NewApiError("invalid json", http.StatusBadRequest)
	}
	if err := validate.Struct(&payload); err != nil {
		return NewApiError(err.Error(), http.StatusBadRequest)
	}

	err := h.userStore.CreateUser(r.Context(), user.User{
		Username: payload.Username,
		Name:     payload.Name,
		Password: payload.Password,
	})
	if err != nil {
		if errors.Is(err, user.ErrConflictedUser) {
			return NewApiError(err.Error(), http.StatusConflict)
		}
		return err
	}

	return WriteJsonResponseWithStatusCode(w,
		UserResponse{Username: payload.Username, Name: payload.Name}, http.StatusCreated)
}

func (h *UserHandler) SigninHandler(w http.ResponseWriter, r *http.Request) error {
	defer r.Body.Close()
	var payload SigninPayload
	if err := DecodeJson(r.Body, &payload); err != nil {
		return NewApiError("invalid json", http.StatusBadRequest)
	}
	if err := validate.Struct(&payload); err != nil {
		return NewApiError(err.Error(), http.StatusBadRequest)
	}

	token, exp, err := h.auth.NewSession(r.Context(), payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			return NewApiError(err.Error(), http.StatusUnauthorized)
		}
		return err
	}

	return WriteJsonResponse(w, SigninResponse{Token: token, Exp: exp})
}

func (h *UserHandler) MeHandler(w http.ResponseWriter, r *http.Request) error {
	session := sessionFromRequest(r)

	u, err := h.userStore.GetUserByUsername(r.Context(), session.Username)
	if err != nil {
		return err
	}
	if u == nil {
		return NewApiError("user not found", http.StatusNotFound)
	}

	return WriteJsonResponse(w, UserResponse{Username: u.Username, Name: u.Name})
}
