package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/crypto"
	"github.com/K9Crypt/website/internal/db"
	"github.com/K9Crypt/website/internal/events"
	clog "github.com/K9Crypt/website/internal/log"
	"github.com/K9Crypt/website/internal/server"
	"github.com/K9Crypt/website/internal/service"
	"github.com/K9Crypt/website/internal/store"
	"github.com/K9Crypt/website/internal/ws"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	envFile := pflag.String("env-file", "", "可选的 .env 文件路径")
	migrateOnly := pflag.Bool("migrate-only", false, "只执行数据库迁移后退出")
	pflag.Parse()

	// 加载配置、初始化日志、连接数据库，然后装配各层并启动 Gin 服务。
	cfg := config.LoadFile(*envFile)
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	if *migrateOnly {
		log.Info().Msg("migration finished")
		return
	}

	enc, err := crypto.New(cfg.CryptoBackend, cfg.SecretKey, cfg.AgeIdentity)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.CryptoBackend).Msg("crypto init")
	}
	box := crypto.NewBoundary(enc, cfg.CryptoTimeout)

	hub := ws.NewHub()
	var pub events.Publisher = hub
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rp, err := events.NewRedisPublisherFromURL(ctx, cfg.RedisURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		defer rp.Close()
		pub = events.Multi{hub, rp}
	}

	st := store.New(gdb)
	tracker := service.NewMembershipTracker(st)
	roomSvc := service.NewRoomService(st, tracker, hub, cfg)
	msgSvc := service.NewMessageService(st, box, tracker, pub, cfg)

	reaper, err := service.NewReaper(roomSvc, cfg.ReapSchedule)
	if err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.ReapSchedule).Msg("reaper init")
	}
	reaper.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, roomSvc, msgSvc, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	<-reaper.Stop().Done()
	log.Info().Msg("server stopped")
}
