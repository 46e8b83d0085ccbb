package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wsshell/wsshell/internal/api"
	"github.com/wsshell/wsshell/internal/broker"
	"github.com/wsshell/wsshell/internal/config"
	"github.com/wsshell/wsshell/internal/containers"
	"github.com/wsshell/wsshell/internal/logging"
	"github.com/wsshell/wsshell/internal/supervisor"
	"github.com/wsshell/wsshell/internal/wschannel"
	"github.com/coder/websocket"
)

func main() {
	config.Load()
	logging.Init()

	mgr := containers.NewManager(
		containers.NewDockerRuntime(""),
		config.Cfg.ContainerImage,
		config.Cfg.ContainerStartPort,
		"127.0.0.1",
	)

	b := broker.New(config.Cfg, mgr)
	sup := supervisor.New(config.Cfg, b, mgr)

	adminServer := api.New(mgr, b)
	r := adminServer.Router()
	r.Get("/ws/terminal", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Printf("[main] websocket accept failed: %v", err)
			return
		}
		ch := wschannel.New(conn)
		resumeID := r.URL.Query().Get("sessionId")
		b.HandleConnection(r.Context(), ch, resumeID)
	})

	httpServer := &http.Server{
		Addr:    config.Cfg.HTTPAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup.Start()

	go func() {
		log.Printf("[main] listening on %s", config.Cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("[main] shutting down...")

	if err := sup.Shutdown(httpServer, 10*time.Second); err != nil {
		log.Fatalf("[main] shutdown error: %v", err)
	}
	log.Println("[main] stopped")
}
