package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"photohub/cmd"
	"photohub/internal/api"
	"photohub/internal/database"
	"photohub/internal/jobs"
	"photohub/internal/messaging"
	"photohub/internal/notify"
	"photohub/internal/pipeline"
	"photohub/internal/storage"
	"photohub/internal/worker"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

type Config struct {
	Root       string `env:"ROOT" envDefault:"./photohub"`
	Port       int    `env:"PORT" envDefault:"3001"`
	TasksFile  string `env:"TASKS_FILE"`
	WebhookURL string `env:"WEBHOOK_URL"`
}

func createDatabase(root string) *gorm.DB {
	path := filepath.Join(root, "db", "photohub.db")
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	db, err := database.NewDatabase(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	return db
}

func createServer(handler *api.BackendService, port int) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		handler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating root directory: %v", err)
	}

	db := createDatabase(cfg.Root)

	objects, err := storage.NewLocalObjectStore(filepath.Join(cfg.Root, "objects"))
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	var registry *pipeline.Registry
	if cfg.TasksFile != "" {
		registry, err = pipeline.LoadRegistryFile(cfg.TasksFile)
	} else {
		registry, err = pipeline.DefaultRegistry()
	}
	if err != nil {
		log.Fatalf("Failed to load task definitions: %v", err)
	}

	notifier := notify.Notifier(notify.NewDBNotifier(db))
	if cfg.WebhookURL != "" {
		notifier = notify.MultiNotifier{notifier, notify.NewWebhookNotifier(cfg.WebhookURL)}
	}

	store := jobs.NewStore(db, jobs.Config{}, queue, notifier)
	pipeline.NewAdvancer(registry).Register(store)
	starter := pipeline.NewStarter(registry, store, db)

	proc := worker.NewProcessor(store, queue)
	worker.NewPhotoHandlers(db, objects).Register(proc)
	go proc.Start()

	// Jobs left queued by a previous run go back onto the in memory queue.
	if err := store.RepublishQueued(context.Background()); err != nil {
		log.Fatalf("Failed to republish queued jobs: %v", err)
	}

	server := createServer(api.NewBackendService(db, store, starter, objects), cfg.Port)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		proc.Stop()
	}()

	log.Printf("server listening on port %d", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on port %d: %v", cfg.Port, err)
	}

	log.Println("Server stopped.")
}
