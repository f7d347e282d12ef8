package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
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

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type APIConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION"`
	PhotoBucketName   string `env:"PHOTO_BUCKET_NAME" envDefault:"photos"`
	TasksFile         string `env:"TASKS_FILE"`
	WebhookURL        string `env:"WEBHOOK_URL"`
	MaxChunkItems     int    `env:"MAX_CHUNK_ITEMS" envDefault:"100"`
	APIPort           string `env:"API_PORT" envDefault:"8001"`
}

func loadRegistry(cfg APIConfig) (*pipeline.Registry, error) {
	if cfg.TasksFile != "" {
		return pipeline.LoadRegistryFile(cfg.TasksFile)
	}
	return pipeline.DefaultRegistry()
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	objects, err := storage.NewS3ObjectStore(storage.S3ClientConfig{
		Bucket:          cfg.PhotoBucketName,
		Endpoint:        cfg.S3EndpointURL,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		log.Fatalf("Failed to create object store: %v", err)
	}
	if err := objects.EnsureBucket(context.Background()); err != nil {
		log.Fatalf("Failed to create photo bucket: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	registry, err := loadRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to load task definitions: %v", err)
	}

	notifier := notify.Notifier(notify.NewDBNotifier(db))
	if cfg.WebhookURL != "" {
		notifier = notify.MultiNotifier{notifier, notify.NewWebhookNotifier(cfg.WebhookURL)}
	}

	store := jobs.NewStore(db, jobs.Config{MaxChunkItems: cfg.MaxChunkItems}, publisher, notifier)
	pipeline.NewAdvancer(registry).Register(store)
	starter := pipeline.NewStarter(registry, store, db)

	// Re-announce jobs that were queued when the previous process stopped.
	if err := store.RepublishQueued(context.Background()); err != nil {
		log.Fatalf("Failed to republish queued jobs: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, store, starter, objects)
	apiHandler.AddRoutes(r)

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: r,
	}

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
	}()

	log.Printf("API server listening on port %s", cfg.APIPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", cfg.APIPort, err)
	}

	log.Println("Server stopped.")
}
