// Package queue consumes classification jobs from Redis and publishes
// per-job progress updates.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

// TaskClassify is the asynq task type carrying a classification job.
const TaskClassify = "mediaclass:classify"

// JobRunner executes one queued classification job end to end.
type JobRunner interface {
	Run(ctx context.Context, job *models.JobPayload) error
}

// Consumer consumes classification jobs from the Redis queue.
type Consumer struct {
	server *asynq.Server
	runner JobRunner
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	RedisURL    string
	Concurrency int
	Runner      JobRunner
}

// NewConsumer creates a Redis queue consumer.
func NewConsumer(config *ConsumerConfig) (*Consumer, error) {
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: config.Concurrency,
			Queues: map[string]int{
				"mediaclass:critical": 6,
				"mediaclass:default":  3,
				"mediaclass:low":      1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff: 1min, 2min, 4min
				return time.Duration(1<<uint(n)) * time.Minute
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Printf("Task %s failed: %v", task.Type(), err)
			}),
		},
	)

	return &Consumer{server: server, runner: config.Runner}, nil
}

// Start registers the task handler and serves until Stop.
func (c *Consumer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskClassify, c.handleClassifyTask)

	log.Println("Starting MediaClass worker...")

	if err := c.server.Run(mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Stop shuts the consumer down gracefully.
func (c *Consumer) Stop() {
	log.Println("Shutting down MediaClass worker...")
	c.server.Shutdown()
}

func (c *Consumer) handleClassifyTask(ctx context.Context, task *asynq.Task) error {
	var job models.JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	log.Printf("Processing job %s (kind: %s)", job.JobID, job.Kind)

	if err := c.runner.Run(ctx, &job); err != nil {
		log.Printf("Job %s failed: %v", job.JobID, err)
		return err
	}

	log.Printf("Job %s completed successfully", job.JobID)
	return nil
}
