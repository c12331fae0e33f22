package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vrulab/detection.report/internal/api"
	"github.com/vrulab/detection.report/internal/config"
	"github.com/vrulab/detection.report/internal/db"
	"github.com/vrulab/detection.report/internal/engine"
	"github.com/vrulab/detection.report/internal/monitoring"
	"github.com/vrulab/detection.report/internal/signalmux"
	"github.com/vrulab/detection.report/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode (synthetic signal device, no hardware)")
	listen     = flag.String("listen", envOr("LISTEN_ADDR", ":8080"), "Listen address")
	dbFile     = flag.String("db", envOr("DB_FILE", "sessions.db"), "SQLite database file")
	configPath = flag.String("config", "", "Path to tuning config JSON (default: "+config.DefaultConfigPath+" when present)")
	migrateDir = flag.String("migrations", envOr("MIGRATIONS_DIR", ""), "Apply schema migrations from this directory at startup")
	signalPath = flag.String("signal-port", envOr("SIGNAL_PORT", "/dev/ttyACM0"), "Signal acquisition serial port")
	fixtures   = flag.String("fixtures", "", "Signal capture file to replay in dev mode (one CSV line per transition)")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// feedSignals forwards each hardware transition to every running session.
// Sessions that reject the event (paused, terminal, or unregistered between
// List and FeedSignal) are skipped.
func feedSignals(manager *engine.Manager, ev engine.SignalEvent) {
	for _, snap := range manager.List() {
		if snap.State != engine.StateRunning {
			continue
		}
		if err := manager.FeedSignal(snap.ID, ev); err != nil &&
			!errors.Is(err, engine.ErrInvalidSessionState) &&
			!errors.Is(err, engine.ErrSessionNotFound) {
			log.Printf("failed to feed signal to session %s: %v", snap.ID, err)
		}
	}
}

func main() {
	// .env is optional; flags and real env vars win
	godotenv.Load()
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("detection.report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	var tuning *config.TuningConfig
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load tuning config: %v", err)
		}
	} else if cfg, err := config.LoadTuningConfig(config.DefaultConfigPath); err == nil {
		tuning = cfg
	} else {
		// No tuning file shipped alongside the binary; accessors fall back
		// to built-in defaults.
		tuning = config.EmptyTuningConfig()
	}

	var m signalmux.Muxer
	if *devMode {
		if *fixtures != "" {
			data, err := os.ReadFile(*fixtures)
			if err != nil {
				log.Fatalf("failed to open fixtures file: %v", err)
			}
			m = signalmux.NewReplaySignalMux(data, 500*time.Millisecond)
		} else {
			m = signalmux.NewMockSignalMux(500 * time.Millisecond)
		}
	} else {
		var err error
		m, err = signalmux.NewRealSignalMux(*signalPath, signalmux.PortOptions{
			BaudRate: tuning.GetSignalBaudRate(),
			ReadWait: tuning.GetSignalReadWait(),
		})
		if err != nil {
			log.Fatalf("failed to open signal port %s: %v", *signalPath, err)
		}
		if err := m.Initialize(); err != nil {
			log.Fatalf("failed to initialize signal device: %v", err)
		}
	}
	defer m.Close()

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if *migrateDir != "" {
		if err := database.MigrateUp(*migrateDir); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
		schemaVersion, dirty, err := database.MigrateVersion(*migrateDir)
		if err != nil {
			log.Fatalf("failed to read migration version: %v", err)
		}
		log.Printf("database schema at migration %d (dirty=%v)", schemaVersion, dirty)
	}

	collectors := monitoring.NewCollectors()
	broadcaster := engine.NewBroadcaster(tuning.GetSubscriberBuffer())
	manager := engine.NewManager(broadcaster, database, database,
		engine.WithCollectors(collectors))

	// Wait group for the HTTP server, signal monitor, and feed routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the signal port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor signal port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// subscribe to decoded transitions and fan them out to running sessions
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := m.Subscribe()
		defer m.Unsubscribe(id)
		for {
			select {
			case ev, ok := <-c:
				if !ok {
					return
				}
				feedSignals(manager, ev)
			case <-ctx.Done():
				log.Printf("signal feed routine terminated")
				return
			}
		}
	}()

	// warn about running sessions that have stopped receiving detections
	wg.Add(1)
	go func() {
		defer wg.Done()
		warnAfter := tuning.GetIdleWarnAfter()
		ticker := time.NewTicker(warnAfter)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, snap := range manager.List() {
					if snap.State == engine.StateRunning && snap.IdleFor >= warnAfter {
						log.Printf("session %s has been idle for %s (video %s)",
							snap.ID, snap.IdleFor.Round(time.Second), snap.VideoID)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only over localhost)
		database.AttachAdminRoutes(mux)
		m.AttachAdminRoutes(mux)

		apiMux := api.NewServer(manager, database, collectors, tuning).ServeMux()
		mux.Handle("/", apiMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
