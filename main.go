package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/gatherly/chat/internal/api"
	"github.com/gatherly/chat/pkg/auth"
	"github.com/gatherly/chat/pkg/chat"
	"github.com/gatherly/chat/pkg/config"
	"github.com/gatherly/chat/pkg/protocol"
	"github.com/gatherly/chat/pkg/server"
	"github.com/gatherly/chat/pkg/user"
	"github.com/gatherly/chat/pkg/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	serverCtx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)

	db, err := sql.Open("sqlite3", "file:"+cfg.SQLite.File+"?_fk=on")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	goose.SetBaseFS(os.DirFS(cfg.SQLite.Migrations))
	if err := goose.SetDialect("sqlite3"); err != nil {
		log.Fatalf("dialect: %v", err)
	}
	if err := goose.Up(db, "."); err != nil {
		log.Fatalf("migrate up: %v", err)
	}

	userStore := user.NewSQLiteUserStore(db)
	store := chat.NewSQLiteStore(db, userStore)

	apiConfig := api.ApiConfig{
		TokenOptions: auth.TokenOptions{
			Secret: cfg.Auth.Secret,
			Exp:    cfg.Auth.TokenExp,
		},
		AllowedOrigins: cfg.AllowedOrigins,
	}
	_api := api.NewApi(serverCtx, db, store, apiConfig)

	hub := ws.New(
		ws.NewWSConnFactory(logger),
		ws.WithLogger(logger),
		ws.WithBaseContext(serverCtx),
	)
	hub.Start()

	protocol.NewGateway(serverCtx, logger, hub, store, _api.Auth())

	r := chi.NewRouter()
	r.Mount("/api", _api.Mux())
	r.Handle("/ws", hub)

	srv := server.Server{
		Server: &http.Server{
			Handler: r,
			Addr:    cfg.Addr(),
		},
		Logger: logger,
		CleanUpFuncs: []func(ctx context.Context){
			func(_ context.Context) { hub.Close() },
		},
	}

	srv.Start(serverCtx)
}
