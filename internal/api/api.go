package api

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/gatherly/chat/pkg/auth"
	"github.com/gatherly/chat/pkg/chat"
	"github.com/gatherly/chat/pkg/user"
)

var validate = validator.New()

type ApiConfig struct {
	TokenOptions   auth.TokenOptions
	AllowedOrigins []string
}

// Api is the REST collaborator surface around the realtime core: accounts,
// chatroom creation/joining, the member roster, and moderation.
type Api struct {
	db      *sql.DB
	mux     *ApiMux
	context context.Context
	config  ApiConfig

	auth  auth.Auth
	store chat.Store
}

func NewApi(ctx context.Context, db *sql.DB, store chat.Store, config ApiConfig) *Api {
	api := &Api{
		db:      db,
		mux:     NewApiRouter(),
		context: ctx,
		config:  config,
		store:   store,
	}
	api.mountHandlers()
	return api
}

func (a *Api) Mux() http.Handler {
	return a.mux
}

// Auth exposes the token validator so the websocket gateway shares the same
// session store.
func (a *Api) Auth() auth.Auth {
	return a.auth
}

func (a *Api) mountHandlers() {
	userStore := user.NewSQLiteUserStore(a.db)
	a.auth = auth.NewSimpleAuth(userStore, a.db, a.config.TokenOptions)
	roster := NewRosterCache(DefaultRosterTTL)

	userHandler := NewUserHandler(userStore, a.auth)
	chatHandler := NewChatHandler(a.store, roster)
	moderationHandler := NewModerationHandler(a.store, roster)

	origins := a.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	a.mux.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
	}))

	a.mux.Route("/users", func(r *ApiMux) {
		r.Post("/signup", userHandler.SignupHandler)
		r.Post("/signin", userHandler.SigninHandler)
		r.With(JWTMiddleware(a.auth)).Get("/me", userHandler.MeHandler)
	})

	a.mux.Route("/chats", func(r *ApiMux) {
		r.Use(JWTMiddleware(a.auth))
		r.Post("/", chatHandler.CreateChatHandler)
		r.Post("/dm", chatHandler.CreateDirectMessageHandler)
		r.Route("/{chatType}/{chatroomID}", func(r *ApiMux) {
			r.Post("/members", chatHandler.JoinHandler)
			r.Get("/members", chatHandler.GetMembersHandler)
			r.Post("/mute", moderationHandler.MuteHandler)
			r.Post("/unmute", moderationHandler.UnmuteHandler)
		})
	})
}
