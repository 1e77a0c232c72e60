package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/buynothing/guard/cmd/config"
	"github.com/buynothing/guard/lib/cdphost"
	"github.com/buynothing/guard/lib/collector"
	"github.com/buynothing/guard/lib/devtools"
	"github.com/buynothing/guard/lib/guard"
	"github.com/buynothing/guard/lib/logger"
	"github.com/buynothing/guard/lib/sessionstore"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("guard configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules := guard.DefaultRules()
	if config.RulesPath != "" {
		if rules, err = guard.LoadRules(config.RulesPath); err != nil {
			slogger.Error("failed to load rules", "path", config.RulesPath, "err", err)
			os.Exit(1)
		}
	}
	rules = withPracticeURL(rules, config.PracticeURL)

	store, err := collector.Open(config.DBPath)
	if err != nil {
		slogger.Error("failed to open collector store", "path", config.DBPath, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var newStore cdphost.StoreFactory
	if config.RedisAddr != "" {
		rdb := sessionstore.NewClient(config.RedisAddr, config.RedisPassword, config.RedisDB)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the guard fails open on store errors, so an unreachable redis is not fatal
			slogger.Warn("redis unreachable, session flags will fail open until it recovers", "addr", config.RedisAddr, "err", err)
		}
		newStore = sessionstore.Factory(rdb, sessionstore.DefaultTTL)
	}

	var upstream *devtools.Upstream
	if config.CDPURL != "" {
		upstream = devtools.Fixed(config.CDPURL, slogger)
	} else {
		upstream = devtools.FromLog(config.ChromiumLogPath, slogger)
	}
	upstream.Start(ctx)
	defer upstream.Stop()

	supervisor := cdphost.NewSupervisor(upstream, guard.Options{
		Rules:        rules,
		Reporter:     store,
		Logger:       slogger,
		PollInterval: config.PollInterval,
		SettleDelay:  config.SettleDelay,
		ReloadDelay:  config.ReloadDelay,
	}, newStore, slogger)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	collector.NewHandler(store, config.CollectorRate).Routes(r)
	r.Get("/guard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(guardStatus(r.Context(), supervisor)); err != nil {
			logger.FromContext(r.Context()).Error("failed to encode guard status", "err", err)
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(gctx)
	})
	if config.RulesPath != "" {
		g.Go(func() error {
			return guard.WatchRules(gctx, config.RulesPath, slogger, func(r guard.Rules) {
				supervisor.SetRules(withPracticeURL(r, config.PracticeURL))
			})
		})
	}

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	if err := srv.Shutdown(context.Background()); err != nil {
		slogger.Error("http server failed to shutdown", "err", err)
	}
	if err := g.Wait(); err != nil {
		slogger.Error("guard failed to shutdown", "err", err)
	}
}

// withPracticeURL applies the configured practice store unless the rules file
// names its own.
func withPracticeURL(r guard.Rules, url string) guard.Rules {
	if r.PracticeURL == "" || r.PracticeURL == guard.DefaultPracticeURL {
		r.PracticeURL = url
	}
	return r
}

type tabStatus struct {
	Target       string `json:"target"`
	State        string `json:"state,omitempty"`
	Instrumented int    `json:"instrumented"`
	SurfaceOpen  bool   `json:"surfaceOpen"`
}

type status struct {
	Attached bool        `json:"attached"`
	Tabs     []tabStatus `json:"tabs"`
}

func guardStatus(ctx context.Context, s *cdphost.Supervisor) status {
	guards := s.Guards()
	st := status{Attached: len(guards) > 0, Tabs: make([]tabStatus, 0, len(guards))}
	for _, tg := range guards {
		tab := tabStatus{Target: tg.TargetID, Instrumented: tg.Guard.Instrumented(), SurfaceOpen: tg.Guard.SurfaceOpen()}
		state, err := tg.Guard.State()
		if err != nil {
			logger.FromContext(ctx).Warn("failed to read guard state", "target", tg.TargetID, "err", err)
		} else {
			tab.State = state.String()
		}
		st.Tabs = append(st.Tabs, tab)
	}
	return st
}
