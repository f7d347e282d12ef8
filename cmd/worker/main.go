package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"photohub/cmd"
	"photohub/internal/database"
	"photohub/internal/jobs"
	"photohub/internal/messaging"
	"photohub/internal/notify"
	"photohub/internal/pipeline"
	"photohub/internal/storage"
	"photohub/internal/worker"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string `env:"AWS_REGION"`
	PhotoBucketName   string `env:"PHOTO_BUCKET_NAME" envDefault:"photos"`
	TasksFile         string `env:"TASKS_FILE"`
	Scopes            string `env:"SCOPES" envDefault:"project,maintenance"`
	MaxChunkItems     int    `env:"MAX_CHUNK_ITEMS" envDefault:"100"`
}

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
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

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	scopes := strings.Split(cfg.Scopes, ",")
	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL, scopes)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ receiver: %v", err)
	}

	var registry *pipeline.Registry
	if cfg.TasksFile != "" {
		registry, err = pipeline.LoadRegistryFile(cfg.TasksFile)
	} else {
		registry, err = pipeline.DefaultRegistry()
	}
	if err != nil {
		log.Fatalf("Failed to load task definitions: %v", err)
	}

	store := jobs.NewStore(db, jobs.Config{MaxChunkItems: cfg.MaxChunkItems}, publisher, notify.NewDBNotifier(db))
	pipeline.NewAdvancer(registry).Register(store)

	proc := worker.NewProcessor(store, receiver)
	worker.NewPhotoHandlers(db, objects).Register(proc)

	go proc.Start()

	log.Println("Worker started. Waiting for jobs. Press Ctrl+C to exit.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")
	proc.Stop()

	log.Println("Worker process stopped.")
}
