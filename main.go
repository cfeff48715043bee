package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"entitytrack/config"
	"entitytrack/server"
	"entitytrack/store"
	"entitytrack/tracking"
)

// 入口：加载配置，启动 HTTP + WebSocket 服务，追踪事件落盘到 SQLite 与 zstd 日志
func main() {
	var (
		cfgPath string
		addr    string
		logFile string
		dataDir string
		webDir  string
	)
	flag.StringVar(&cfgPath, "config", "", "path to config.yaml (defaults are used when empty)")
	flag.StringVar(&addr, "addr", "", "server listen address, overrides config, e.g. :8080")
	flag.StringVar(&logFile, "log", "", "log file, overrides config")
	flag.StringVar(&dataDir, "data", "", "data directory for saves.db and journal/, overrides config")
	flag.StringVar(&webDir, "web", "", "static files served at / (disabled when empty)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if dataDir != "" {
		cfg.Store.SQLitePath = dataDir + "/saves.db"
		cfg.Store.JournalDir = dataDir + "/journal"
	}

	// 使用第三方 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(server.LogOptions{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Level:      cfg.Log.Level,
	}); err != nil {
		panic(err)
	}

	rule, err := cfg.Rule()
	if err != nil {
		server.Log.Fatalf("config: %v", err)
	}
	saves, err := store.OpenSQLite(cfg.Store.SQLitePath, server.Log.Desugar())
	if err != nil {
		server.Log.Fatalf("open save store: %v", err)
	}
	journal := store.NewJournal(cfg.Store.JournalDir, server.Log.Desugar())

	rm := server.NewRoomManager(server.RoomConfig{
		TickInterval: server.TickInterval(cfg.TickRateHz),
		ViewDistance: cfg.ViewDistance,
		Rule:         rule,
	}, func(roomID string) []tracking.Hooks {
		return []tracking.Hooks{saves.ForRoom(roomID), journal.ForRoom(roomID)}
	})
	// 先预创建一个默认房间，便于快速试跑
	_ = rm.GetOrCreateRoom(server.DefaultRoom)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewServer(rm, webDir).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		server.Log.Infof("tracking server listening on %s (tick %d Hz, view %d)", cfg.Addr, cfg.TickRateHz, cfg.ViewDistance)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）：先停止接入，再停房间（断开玩家触发保存判定），最后落盘
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(ctx)
	rm.StopAll()
	err = multierr.Combine(err, saves.Close(), journal.Close())
	if err != nil {
		server.Log.Errorf("shutdown: %v", err)
	}
	_ = server.SyncLogger()
}
