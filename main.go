package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/Maciek28675/wifi-scout-backend/internal/api"
	"github.com/Maciek28675/wifi-scout-backend/internal/building"
	"github.com/Maciek28675/wifi-scout-backend/internal/config"
	"github.com/Maciek28675/wifi-scout-backend/internal/db"
	"github.com/Maciek28675/wifi-scout-backend/internal/version"
)

var (
	devMode       = flag.Bool("dev", false, "Run in dev mode")
	listen        = flag.String("listen", ":8080", "Listen address")
	dbFile        = flag.String("db", "wifi_scout.db", "SQLite database file")
	configFile    = flag.String("config", "", "Engine config JSON file (defaults apply when empty)")
	buildingsFile = flag.String("buildings", "", "Campus buildings JSON file for building-mode merging")
	units         = flag.String("units", "mbps", "Speed units in API responses (mbps or kbps)")
	showVersion   = flag.Bool("version", false, "Print version and exit")

	migrateCmd    = flag.String("migrate", "", "Run a migration command (up, down, version) and exit")
	migrationsDir = flag.String("migrations", "migrations", "Directory containing migration files")
	forceVersion  = flag.Int("force-version", -1, "Force the migration version (use with care)")
)

func runMigrations(database *db.DB) error {
	switch *migrateCmd {
	case "up":
		return database.MigrateUp(*migrationsDir)
	case "down":
		return database.MigrateDown(*migrationsDir)
	case "version":
		v, dirty, err := database.MigrateVersion(*migrationsDir)
		if err != nil {
			return err
		}
		log.Printf("migration version: %d (dirty: %v)", v, dirty)
		return nil
	case "force":
		if *forceVersion < 0 {
			return fmt.Errorf("force requires -force-version")
		}
		return database.MigrateForce(*migrationsDir, *forceVersion)
	default:
		return fmt.Errorf("unknown migrate command %q", *migrateCmd)
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("wifi-scout %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *units != "mbps" && *units != "kbps" {
		log.Fatalf("unsupported units %q (want mbps or kbps)", *units)
	}

	// .env is optional; environment variables win either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed to load .env: %v", err)
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		if !*devMode {
			log.Fatal("JWT_SECRET is required outside dev mode")
		}
		jwtSecret = "dev-only-secret"
	}

	cfg := config.DefaultEngineConfig()
	if *configFile != "" {
		loaded, err := config.LoadEngineConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load engine config: %v", err)
		}
		cfg = loaded
	}

	database, err := db.NewDB(*dbFile, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if *migrateCmd != "" {
		if err := runMigrations(database); err != nil {
			log.Fatalf("migration failed: %v", err)
		}
		return
	}

	if *buildingsFile != "" {
		idx, err := building.LoadIndex(*buildingsFile, cfg.GetBuildingLookupRadius())
		if err != nil {
			log.Fatalf("failed to load buildings file: %v", err)
		}
		database.SetBuildingLookup(idx.Lookup())
	}

	worker := db.NewRollupWorker(database)
	database.SetRollupNotifier(worker.Enqueue)
	worker.Start()
	defer worker.Stop()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux, *dbFile)

		apiServer := api.NewServer(database, *units, []byte(jwtSecret))
		mux.Handle("/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("wifi-scout %s listening on %s", version.Version, *listen)
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

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
