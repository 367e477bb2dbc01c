package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/clipsight/mediaclass-worker/internal/classifier"
	"github.com/clipsight/mediaclass-worker/internal/extractor"
	"github.com/clipsight/mediaclass-worker/internal/inference"
	"github.com/clipsight/mediaclass-worker/internal/media"
	"github.com/clipsight/mediaclass-worker/internal/models"
	"github.com/clipsight/mediaclass-worker/internal/modelstore"
	"github.com/clipsight/mediaclass-worker/internal/preprocess"
	"github.com/clipsight/mediaclass-worker/internal/queue"
	"github.com/clipsight/mediaclass-worker/internal/storage"
	"github.com/clipsight/mediaclass-worker/internal/worker"
)

func main() {
	// Mode: "worker" consumes the Redis queue, anything else runs one
	// classification from flags and prints a single JSON document.
	mode := getEnv("WORKER_MODE", "cli")

	if mode == "worker" {
		runWorkerMode()
	} else {
		runCLIMode()
	}
}

// runCLIMode classifies the media named on the command line and writes one
// JSON document to stdout. Logs go to stderr so stdout stays machine-readable.
func runCLIMode() {
	log.SetOutput(os.Stderr)
	log.SetFlags(0)

	config := loadConfig()

	var (
		kind        = flag.String("kind", "image", "media kind: image or video")
		modelSource = flag.String("model", config.ModelSource, "model directory or base URL")
		ioMode      = flag.String("io", config.IoMode, "io mode: memory or disk")
		frames      = flag.Int("frames", config.FrameCount, "frames to sample per video")
		topK        = flag.Int("topk", config.TopK, "predictions to keep per item (0 = all)")
		turbo       = flag.Bool("turbo", config.Turbo, "score all frames in one inference batch")
		maxBytes    = flag.Int64("max-bytes", config.MaxMediaBytes, "media size ceiling in bytes (0 = unlimited)")
		centerCrop  = flag.Bool("center-crop", config.CenterCrop, "cover-crop instead of stretching")
		concurrency = flag.Int("concurrency", config.WorkerConcurrency, "bounded pool width")
		images      = flag.String("images", "", "comma-separated image references (mixed batch)")
		videos      = flag.String("videos", "", "comma-separated video references (mixed batch)")
	)
	flag.Parse()

	config.ModelSource = *modelSource
	opts := models.Options{
		IoMode:      models.IoMode(*ioMode),
		FrameCount:  *frames,
		TopK:        *topK,
		Turbo:       *turbo,
		MaxBytes:    *maxBytes,
		CenterCrop:  *centerCrop,
		Concurrency: *concurrency,
	}

	ctx := context.Background()
	c, closeFn, err := buildClassifier(ctx, config)
	if err != nil {
		exitError(err)
	}
	defer closeFn()

	inputs := flag.Args()
	imageRefs := splitRefs(*images)
	videoRefs := splitRefs(*videos)

	var result interface{}
	switch {
	case len(imageRefs) > 0 || len(videoRefs) > 0:
		result, err = c.ClassifyMixed(ctx, imageRefs, videoRefs, opts)
	case len(inputs) == 0:
		err = models.NewError(models.ErrInvalidInput, "no media references given")
	case len(inputs) == 1 && *kind == "video":
		result, err = c.ClassifyVideo(ctx, models.RefFromString(inputs[0]), opts)
	case len(inputs) == 1:
		result, err = c.ClassifyImage(ctx, models.RefFromString(inputs[0]), opts)
	case *kind == "video":
		result, err = c.ClassifyVideoBatch(ctx, splitArgs(inputs), opts)
	default:
		result, err = c.ClassifyImageBatch(ctx, splitArgs(inputs), opts)
	}
	if err != nil {
		exitError(err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		exitError(fmt.Errorf("failed to marshal result: %w", err))
	}
	fmt.Println(string(out))
}

// runWorkerMode runs the Redis queue consumer with Postgres persistence and
// pub/sub progress.
func runWorkerMode() {
	log.Println("MediaClass Worker starting...")

	config := loadConfig()
	ctx := context.Background()

	c, closeFn, err := buildClassifier(ctx, config)
	if err != nil {
		log.Fatalf("Failed to initialize classifier: %v", err)
	}
	defer closeFn()
	log.Println("✓ Classification pipeline initialized")

	var store *storage.Manager
	if config.PostgresURL != "" {
		store, err = storage.NewManager(config.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to initialize storage: %v", err)
		}
		defer store.Close()
		log.Println("✓ Storage manager initialized (PostgreSQL)")
	} else {
		log.Println("INFO: POSTGRES_URL not set, job persistence disabled")
	}

	progress, err := queue.NewProgressPublisher(config.RedisURL)
	if err != nil {
		log.Fatalf("Failed to initialize progress publisher: %v", err)
	}
	defer progress.Close()
	log.Println("✓ Redis progress publisher initialized")

	runner := worker.NewRunner(c, store, progress, defaultOptions(config))

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:    config.RedisURL,
		Concurrency: config.WorkerConcurrency,
		Runner:      runner,
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}
	log.Println("✓ Queue consumer initialized")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := consumer.Start(); err != nil {
			errChan <- err
		}
	}()

	log.Println("✓ MediaClass Worker ready - waiting for jobs...")
	log.Printf("  - Concurrency: %d workers", config.WorkerConcurrency)
	log.Printf("  - Temp directory: %s", config.TempDir)
	log.Printf("  - Model source: %s", config.ModelSource)

	select {
	case <-sigChan:
		log.Println("Shutdown signal received, stopping gracefully...")
		consumer.Stop()
	case err := <-errChan:
		log.Fatalf("Worker error: %v", err)
	}

	log.Println("MediaClass Worker stopped")
}

// buildClassifier assembles the full pipeline from configuration. The
// returned close function releases the inference session.
func buildClassifier(ctx context.Context, config models.Config) (*classifier.Classifier, func(), error) {
	downloader := media.NewDownloader(&media.DownloaderConfig{MaxFileSize: config.MaxMediaBytes})

	resolver, err := media.NewResolver(downloader, config.TempDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	ffmpeg, err := extractor.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize FFmpeg: %w", err)
	}
	log.Printf("✓ FFmpeg initialized")

	store, err := modelstore.NewStore(downloader, config.TempDir+"/models")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize model store: %w", err)
	}

	artifacts, err := store.Load(ctx, config.ModelSource)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load model: %w", err)
	}
	shape := artifacts.Metadata.TargetShape()
	log.Printf("✓ Model loaded: %d classes, input %dx%d", len(artifacts.Metadata.Classes), shape.Width, shape.Height)

	if config.Backend != "" && config.Backend != "onnx" {
		return nil, nil, models.NewError(models.ErrInvalidInput, "unknown backend %q", config.Backend)
	}

	engine, err := inference.NewOnnxEngine(artifacts.ModelPath, shape)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize inference engine: %w", err)
	}

	scorer, err := inference.NewScorer(engine, artifacts.Metadata.Classes)
	if err != nil {
		engine.Close()
		return nil, nil, err
	}

	preparer := preprocess.New(preprocess.Config{UseWorkers: config.PrepWorkers})

	c, err := classifier.New(resolver, ffmpeg, preparer, scorer, classifier.Config{
		Backend:  "onnx",
		Shape:    shape,
		Defaults: defaultOptions(config),
	})
	if err != nil {
		engine.Close()
		return nil, nil, err
	}

	return c, engine.Close, nil
}

func defaultOptions(config models.Config) models.Options {
	return models.Options{
		IoMode:      models.IoMode(config.IoMode),
		FrameCount:  config.FrameCount,
		TopK:        config.TopK,
		Turbo:       config.Turbo,
		MaxBytes:    config.MaxMediaBytes,
		CenterCrop:  config.CenterCrop,
		Concurrency: config.WorkerConcurrency,
	}
}

// exitError writes a JSON error document to stdout and exits non-zero.
func exitError(err error) {
	doc := map[string]interface{}{
		"success": false,
		"error":   err.Error(),
		"code":    string(models.CodeOf(err)),
	}
	out, _ := json.Marshal(doc)
	fmt.Println(string(out))
	os.Exit(1)
}

func splitRefs(csv string) []models.MediaReference {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	refs := make([]models.MediaReference, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			refs = append(refs, models.RefFromString(p))
		}
	}
	return refs
}

func splitArgs(args []string) []models.MediaReference {
	refs := make([]models.MediaReference, len(args))
	for i, a := range args {
		refs[i] = models.RefFromString(a)
	}
	return refs
}

// loadConfig loads configuration from environment variables.
func loadConfig() models.Config {
	return models.Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		PostgresURL:       getEnv("POSTGRES_URL", ""),
		ModelSource:       getEnv("MODEL_SOURCE", "./model"),
		Backend:           getEnv("BACKEND", "onnx"),
		TempDir:           getEnv("TEMP_DIR", "/tmp/mediaclass"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 3),
		MaxMediaBytes:     getEnvInt64("MAX_MEDIA_BYTES", 0),
		FrameCount:        getEnvInt("FRAME_COUNT", 8),
		TopK:              getEnvInt("TOP_K", 5),
		IoMode:            getEnv("IO_MODE", string(models.IoMemory)),
		Turbo:             getEnvBool("TURBO", false),
		CenterCrop:        getEnvBool("CENTER_CROP", false),
		PrepWorkers:       getEnvBool("PREP_WORKERS", true),
	}
}

// getEnv gets environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 gets int64 environment variable with default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var intValue int64
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets boolean environment variable with default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
