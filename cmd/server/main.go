package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/kiosktv/backend/internal/config"
	"github.com/kiosktv/backend/internal/dispatch"
	"github.com/kiosktv/backend/internal/liveness"
	"github.com/kiosktv/backend/internal/mock"
	"github.com/kiosktv/backend/internal/player"
	"github.com/kiosktv/backend/internal/wm"
	"github.com/kiosktv/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults apply when empty)")
	port := flag.Int("port", 0, "Override server port")
	mockMode := flag.Bool("mock", false, "Run against an in-process fake player")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *mockMode {
		// The fake player binds the socket itself; never spawn the real one
		// next to it.
		cfg.Player.AutoStart = false
		cfg.Player.ForceAutoStart = false
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// One control plane per machine: two instances would fight over the
	// player process and its socket.
	lock := flock.New(filepath.Join(os.TempDir(), "kiosktv-backend.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		log.Fatalf("Instance lock: %v", err)
	}
	if !locked {
		log.Fatalf("Another instance is already running")
	}
	defer lock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mockMode {
		log.Println("Starting in mock mode")
		if err := os.MkdirAll(filepath.Dir(cfg.Player.SocketPath), 0o755); err != nil {
			log.Fatalf("Mock socket dir: %v", err)
		}
		os.Remove(cfg.Player.SocketPath)
		fake, err := mock.NewFakePlayer(cfg.Player.SocketPath)
		if err != nil {
			log.Fatalf("Mock player: %v", err)
		}
		defer fake.Close()
		go fake.Tick(ctx, time.Second)
	}

	spawner := player.NewSpawner(cfg.Player)
	defer spawner.Close()
	supervisor := player.NewSupervisor(cfg.Player, spawner)
	wmBridge := wm.NewBridge(cfg.WM)
	defer wmBridge.Close()
	dispatcher := dispatch.NewDispatcher(supervisor, wmBridge, dispatch.NewBroadcaster(0))

	go supervisor.Run(ctx)
	go dispatcher.Run(ctx)

	notifier := liveness.NotifierFromEnv()
	go func() {
		select {
		case <-supervisor.FirstConnected():
		case <-ctx.Done():
			return
		}
		if err := notifier.Ready(); err != nil {
			log.Printf("Readiness signal: %v", err)
		}
		if cfg.Player.SplashPath != "" {
			showSplash(ctx, supervisor, cfg.Player.SplashPath)
		}
	}()

	pulser := liveness.NewPulser(cfg.Liveness, notifier, dispatcher.Healthy, func() string {
		return statusLine(dispatcher)
	})
	if pulser.Enabled() {
		go pulser.Run(ctx)
	}

	mux := http.NewServeMux()
	ws.NewServer(cfg, dispatcher, spawner).SetupRoutes(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		notifier.Stopping()
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("Server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}

// showSplash puts the configured splash asset on screen so the kiosk is never
// blank between boot and the first real content.
func showSplash(ctx context.Context, supervisor *player.Supervisor, path string) {
	splashCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sess, err := supervisor.WaitConnected(splashCtx)
	if err != nil {
		log.Printf("Splash: %v", err)
		return
	}
	if err := sess.ShowSplash(splashCtx, path); err != nil {
		log.Printf("Splash: %v", err)
	}
}

// statusLine renders the one-liner published to the process manager.
func statusLine(d *dispatch.Dispatcher) string {
	snap, ok := d.Snapshot()
	if !ok {
		return fmt.Sprintf("player %s", d.PlayerState())
	}
	marker := "[PLAY]"
	if snap.Pause {
		marker = "[STOP]"
	}
	title := snap.MediaTitle
	if title == "" {
		title = "idle"
	}
	return fmt.Sprintf("%s %s", marker, title)
}
