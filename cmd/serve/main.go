package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"

	carto "github.com/planel-net/Carto-Dev-sub001"
	"github.com/planel-net/Carto-Dev-sub001/config"
	"github.com/planel-net/Carto-Dev-sub001/httpbridge"
	"github.com/planel-net/Carto-Dev-sub001/memory"
	"github.com/planel-net/Carto-Dev-sub001/wsbridge"
)

func main() {
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load()
	if err != nil {
		glog.Exitf("config: %s", err)
	}

	store := memory.New()
	if cfg.SeedFile != "" {
		if err := loadSeedFile(cfg.SeedFile, store); err != nil {
			glog.Exitf("seed %s: %s", cfg.SeedFile, err)
		}
		glog.Infof("seeded %d tables from %s", store.Size(), cfg.SeedFile)
	}

	cached := carto.NewCachedStore(store, carto.WithTTL(cfg.EphemeralTTL))
	bridge := carto.NewRouter(cached,
		carto.WithOperation(carto.OpGetMigrationStats, carto.MigrationStatsHandler(cached)),
		carto.WithOperation(carto.OpCopyFromJira, carto.CopyRowsHandler(cached)),
		carto.WithCommand(carto.CommandNotification, notify),
	)

	options := []httpbridge.Option{httpbridge.WithAllowedOrigins(cfg.AllowedOrigins...)}
	auth := func(ctx context.Context, token string, session string) bool { return true }
	if cfg.AuthSecret != "" {
		auth = httpbridge.HMACAuth([]byte(cfg.AuthSecret))
		options = append(options, httpbridge.WithAuth(auth))
	}
	events := httpbridge.NewHandler(bridge, options...)
	defer events.Close()

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Handle(httpbridge.MessagesEndpoint, events)
	router.Handle(httpbridge.EventsEndpoint, events)
	router.With(httpbridge.RequireAuth(auth)).
		Handle(wsbridge.Endpoint, wsbridge.NewHandler(bridge, allowOrigin(cfg.AllowedOrigins)))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdown); err != nil {
			glog.Warningf("shutdown: %s", err)
		}
	}()

	glog.Infof("listening on http://%s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Exitf("serve: %s", err)
	}
}

func notify(ctx context.Context, params json.RawMessage) error {
	var p carto.NotificationParams
	if err := json.Unmarshal(params, &p); err != nil {
		return err
	}
	glog.Infof("notification [%s]: %s", p.Level, p.Message)
	return nil
}

// allowOrigin mirrors the CORS setting for websocket upgrades.
func allowOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}
