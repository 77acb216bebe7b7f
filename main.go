package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/libcrowds/analyst/internal/analysis"
	"github.com/libcrowds/analyst/internal/annotations"
	"github.com/libcrowds/analyst/internal/api"
	"github.com/libcrowds/analyst/internal/config"
	"github.com/libcrowds/analyst/internal/db"
	"github.com/libcrowds/analyst/internal/monitoring"
	"github.com/libcrowds/analyst/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "analyst.db", "Path to the sqlite database")
	configPath  = flag.String("config", "", "Path to a JSON engine config file")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// logNotifier reports new comment annotations to the process log. Deployments
// that want richer delivery swap in their own Notifier here.
type logNotifier struct{}

func (logNotifier) CommentCreated(_ context.Context, task *analysis.Task, ann *annotations.Annotation) {
	monitoring.Logf("new comment on task %s (project %s): %q", task.ID, task.ProjectID, ann.Value())
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("analyst %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	// Subcommands run and exit before the server comes up.
	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], *dbPath)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.EmptyEngineConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadEngineConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	opts := analysis.Options{
		MergeThreshold: cfg.GetMergeThreshold(),
	}
	if cfg.GetNotifyComments() {
		opts.Notifier = logNotifier{}
	}
	if base := cfg.GetAnnotationService(); base != "" {
		client := annotations.NewClient(base, &http.Client{Timeout: cfg.GetRequestTimeout()})
		opts.Service = client
		opts.CollectionIRI = client.CollectionIRI
	}

	analyst := analysis.New(database, database, database, opts)
	queue := analysis.NewQueue(analyst, cfg.GetWorkers(), cfg.GetQueueDepth())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queue.Start(ctx)
	defer queue.Stop()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(database, queue).ServeMux()

		// mount the admin debugging routes (accessible only in dev mode or
		// over Tailscale)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
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

	log.Printf("analyst listening on %s (db %s, %d workers)", *listen, *dbPath, cfg.GetWorkers())

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
