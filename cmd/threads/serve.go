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

	"github.com/abelbrown/eventthread/internal/api"
	"github.com/abelbrown/eventthread/internal/logging"
)

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := configFlag(fs)
	addr := fs.String("addr", "", "Listen address (default: server.addr)")
	verbose := fs.Bool("v", false, "Log every request")
	fs.Parse(os.Args[1:])

	cfg := loadConfig(*cfgPath)
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	setupLogging(cfg, *verbose)

	st := openDB(cfg)
	defer st.Close()

	httpServer := api.New(st).NewHTTPServer(cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		logging.Info("api server starting", "addr", cfg.Server.Addr, "db", cfg.Storage.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("server stopped", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logging.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("server shutdown", "err", err)
	}
}
