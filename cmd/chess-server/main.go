package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/archive"
	"github.com/park285/cheese-arena/internal/auth"
	"github.com/park285/cheese-arena/internal/config"
	"github.com/park285/cheese-arena/internal/httpapi"
	"github.com/park285/cheese-arena/internal/match"
	"github.com/park285/cheese-arena/internal/matchmaking"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/oracle"
	"github.com/park285/cheese-arena/internal/rating"
	"github.com/park285/cheese-arena/internal/session"
	"github.com/park285/cheese-arena/internal/settle"
	"github.com/park285/cheese-arena/internal/tick"
	"github.com/park285/cheese-arena/internal/transport/ws"
)

func main() {
	// config first: Load reads .env, which may carry the LOG_* settings.
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := obslog.InitFromEnv(); err != nil {
		_, _ = os.Stderr.WriteString("logger init: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := obslog.L()

	if err := run(cfg, log); err != nil {
		_ = log.Sync()
		log.Fatal("server_exit", zap.Error(err))
	}
	_ = log.Sync()
}

func run(cfg *config.AppConfig, log *zap.Logger) error {

	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(ropts)
	defer rdb.Close()
	pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pctx).Err()
	cancel()
	if err != nil {
		return err
	}

	repo, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	var sink archive.PGNSink = archive.NopSink{}
	if cfg.PGNBucket != "" {
		s3sink, err := archive.NewS3Sink(context.Background(), archive.S3Config{
			Bucket:          cfg.PGNBucket,
			Endpoint:        cfg.PGNEndpoint,
			Region:          cfg.PGNRegion,
			AccessKeyID:     cfg.PGNAccessKeyID,
			SecretAccessKey: cfg.PGNSecretAccessKey,
		})
		if err != nil {
			return err
		}
		sink = s3sink
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}
	catalog, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		return err
	}

	ratings, err := rating.NewService(rdb, repo, log)
	if err != nil {
		return err
	}
	sessions := session.NewRegistry(rdb, verifier, session.WithLogger(log))
	engine, err := match.NewEngine(match.NewStore(rdb), oracle.New(), match.Options{
		ReadyGrace: cfg.ReadyGrace(),
		ClaimWin:   cfg.ClaimWin(),
		Logger:     log,
	})
	if err != nil {
		return err
	}
	settler, err := settle.New(settle.Config{
		Store: engine.Store(), Repo: repo, Ratings: ratings, Pointers: sessions, Sink: sink, Logger: log,
	})
	if err != nil {
		return err
	}

	hub := ws.NewHub(ws.NewPresenter(ratings, nil), log)
	queue, err := matchmaking.New(matchmaking.Config{
		Redis: rdb, Engine: engine, Sessions: sessions, Ratings: ratings, Live: hub, Notify: hub, Logger: log,
	})
	if err != nil {
		return err
	}
	wsrv, err := ws.NewServer(ws.Config{
		Hub: hub, Engine: engine, Sessions: sessions, Queue: queue, Settler: settler,
		Catalog: catalog, AllowedOrigins: cfg.AllowedOrigins, Logger: log,
	})
	if err != nil {
		return err
	}

	loop, err := tick.New(tick.Config{Engine: engine, Settler: settler, Out: hub, Interval: cfg.TickInterval(), Logger: log})
	if err != nil {
		return err
	}
	if err := loop.Start(); err != nil {
		return err
	}
	defer func() { _ = loop.Stop() }()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Mode: cfg.GinMode, EnablePprof: cfg.EnablePprof, WS: wsrv,
			Repo: repo, Redis: rdb, Presence: sessions, Logger: log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server_listen", zap.String("addr", cfg.HTTPAddr), zap.String("archive", cfg.DatabaseDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("server_shutdown", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	return srv.Shutdown(sctx)
}

func openArchive(cfg *config.AppConfig) (archive.Repository, error) {
	if cfg.DatabaseDriver == archive.DriverMemory {
		return archive.NewMemoryRepository(), nil
	}
	store, err := archive.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildVerifier tries the local HMAC check first, then the remote endpoint.
func buildVerifier(cfg *config.AppConfig) (auth.Verifier, error) {
	var chain auth.Chain
	if cfg.JWTSecret != "" {
		v, err := auth.NewJWTVerifier(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}
	if cfg.AuthVerifyURL != "" {
		chain = append(chain, auth.NewRemoteVerifier(cfg.AuthVerifyURL))
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}
