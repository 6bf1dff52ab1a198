package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatclient/internal/api"
	"chatclient/internal/config"
	"chatclient/internal/coordinator"
	"chatclient/internal/db"
	"chatclient/internal/directory"
	clog "chatclient/internal/log"
	"chatclient/internal/mw"
	"chatclient/internal/presence"
	"chatclient/internal/profile"
	"chatclient/internal/realtime"
	"chatclient/internal/server"
	"chatclient/internal/session"
	"chatclient/internal/storage"
	"chatclient/internal/timeline"
	"chatclient/internal/typing"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// .env 不存在时直接使用进程环境变量。
	_ = godotenv.Load()
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.StorageDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("storage connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("storage migrate")
	}
	kv := storage.NewStore(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sessions *session.Store
	client := api.New(cfg.APIBaseURL,
		api.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		api.WithTokenSource(func() string { return sessions.Token() }),
		api.WithRateLimit(cfg.APIRateLimit),
	)
	sessions = session.NewStore(kv, client)

	if _, err := sessions.Restore(ctx); err != nil {
		if cfg.Email == "" {
			log.Info().Msg("no stored session, waiting for credentials")
		} else if _, err := sessions.Login(ctx, cfg.Email, cfg.Password, cfg.RememberMe); err != nil {
			log.Error().Err(err).Str("email", cfg.Email).Msg("login")
		}
	}

	rt := realtime.NewManager(cfg.WSURL, realtime.WSDialer{}, cfg.ReconnectDelay)

	restoring := timeline.NewRestoration(timeline.DefaultRestoreWindow)
	tl := timeline.New(client, sessions, timeline.Options{
		InitialPageSize: cfg.InitialPageSize,
		HistoryPageSize: cfg.HistoryPageSize,
		Connected:       func() bool { return rt.State() == realtime.Connected },
	})
	tl.AddHistoryListener(restoring)
	pager := timeline.NewPager(tl, cfg.FetchDebounce, restoring)

	dir := directory.New(client)
	tracker := presence.New(client)
	typers := typing.NewSet()
	indicator := typing.NewIndicator(rt, typing.IdleTimeout)

	co := coordinator.New(coordinator.Deps{
		Realtime:        rt,
		Sessions:        sessions,
		Directory:       dir,
		Timeline:        tl,
		Presence:        tracker,
		Typing:          typers,
		Indicator:       indicator,
		RefreshInterval: cfg.RefreshInterval,
	})
	if sessions.Current() != nil {
		if err := co.Start(ctx); err != nil {
			log.Error().Err(err).Msg("start coordinator")
		}
	}

	go func() {
		feed := co.NotificationFeed()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-feed:
				log.Info().Str("kind", n.Kind).Int64("match_id", n.MatchID).Msg(n.String())
			}
		}
	}()

	limiter := mw.NewRouteLimiter(rate.Every(time.Second/20), 40, 0)
	go limiter.Run(ctx)

	h := server.NewHandler(server.Deps{
		Coordinator:   co,
		Conversations: dir,
		Timeline:      tl,
		Pager:         pager,
		Presence:      tracker,
		Session:       sessions,
		Typing:        indicator,
		Connection:    rt,
		Profiles:      profile.New(client, sessions),
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.SetupRouter(cfg, h, limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("local api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	co.Stop()
}
