package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

// ProgressPublisher publishes per-job progress over Redis pub/sub so a
// gateway can stream it to clients. Publishing is best-effort: a failed
// publish is logged, never surfaced to the job.
type ProgressPublisher struct {
	client *redis.Client
}

// NewProgressPublisher creates a publisher from a Redis URL.
func NewProgressPublisher(redisURL string) (*ProgressPublisher, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &ProgressPublisher{client: redis.NewClient(opt)}, nil
}

// Publish sends one update on the job's progress channel.
func (p *ProgressPublisher) Publish(ctx context.Context, jobID string, progress float64, status, stage, message string) {
	update := models.ProgressUpdate{
		JobID:     jobID,
		Status:    status,
		Progress:  progress,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(update)
	if err != nil {
		log.Printf("WARNING: failed to encode progress update for job %s: %v", jobID, err)
		return
	}

	channel := fmt.Sprintf("mediaclass:progress:%s", jobID)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("WARNING: failed to publish progress for job %s: %v", jobID, err)
	}
}

// Close releases the Redis connection.
func (p *ProgressPublisher) Close() error {
	return p.client.Close()
}
