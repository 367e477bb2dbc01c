// Package worker glues queued jobs to the classifier: it runs one job end
// to end, persisting the result and streaming progress.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/clipsight/mediaclass-worker/internal/classifier"
	"github.com/clipsight/mediaclass-worker/internal/models"
	"github.com/clipsight/mediaclass-worker/internal/queue"
	"github.com/clipsight/mediaclass-worker/internal/storage"
)

// Runner executes queued classification jobs. Storage and progress are
// optional: a nil manager or publisher disables that side channel.
type Runner struct {
	classifier *classifier.Classifier
	store      *storage.Manager
	progress   *queue.ProgressPublisher
	defaults   models.Options
}

// NewRunner creates a job runner.
func NewRunner(c *classifier.Classifier, store *storage.Manager, progress *queue.ProgressPublisher, defaults models.Options) *Runner {
	return &Runner{classifier: c, store: store, progress: progress, defaults: defaults}
}

// Run implements queue.JobRunner.
func (r *Runner) Run(ctx context.Context, job *models.JobPayload) error {
	start := time.Now()
	opts := job.Options.Resolve(r.defaults)

	if r.store != nil {
		if err := r.store.StoreJob(ctx, job); err != nil {
			log.Printf("WARNING: failed to record job %s: %v", job.JobID, err)
		}
		if err := r.store.MarkJobStarted(ctx, job.JobID); err != nil {
			log.Printf("WARNING: failed to mark job %s started: %v", job.JobID, err)
		}
	}
	r.publish(ctx, job.JobID, 0, "processing", "resolve", "job started")

	result, err := r.dispatch(ctx, job, opts)
	if err != nil {
		r.finish(ctx, job.JobID, "failed", err.Error())
		return err
	}

	if r.store != nil {
		if err := r.store.StoreResult(ctx, job.JobID, result); err != nil {
			r.finish(ctx, job.JobID, "failed", err.Error())
			return fmt.Errorf("failed to store result for job %s: %w", job.JobID, err)
		}
	}

	r.finish(ctx, job.JobID, "completed", "")
	log.Printf("Job %s: %d items in %.0fms", job.JobID, len(result.Results), float64(time.Since(start).Microseconds())/1000.0)
	return nil
}

// dispatch routes the job to the matching classifier entry point. Every
// kind produces a batch envelope so storage and retrieval stay uniform.
func (r *Runner) dispatch(ctx context.Context, job *models.JobPayload, opts models.Options) (*models.BatchResult, error) {
	switch job.Kind {
	case "image", "imageBatch":
		return r.classifier.ClassifyImageBatch(ctx, toRefs(job.Inputs, job.Images), opts)
	case "video", "videoBatch":
		return r.classifier.ClassifyVideoBatch(ctx, toRefs(job.Inputs, job.Videos), opts)
	case "mixed":
		return r.classifier.ClassifyMixed(ctx, toRefs(nil, job.Images), toRefs(nil, job.Videos), opts)
	default:
		return nil, models.NewError(models.ErrInvalidInput, "unknown job kind %q", job.Kind)
	}
}

func (r *Runner) finish(ctx context.Context, jobID, status, errorMsg string) {
	if r.store != nil {
		if err := r.store.UpdateJobStatus(ctx, jobID, status, errorMsg); err != nil {
			log.Printf("WARNING: failed to update job %s status: %v", jobID, err)
		}
	}
	progress := 1.0
	message := "job completed"
	if status == "failed" {
		message = errorMsg
	}
	r.publish(ctx, jobID, progress, status, "done", message)
}

func (r *Runner) publish(ctx context.Context, jobID string, progress float64, status, stage, message string) {
	if r.progress == nil {
		return
	}
	r.progress.Publish(ctx, jobID, progress, status, stage, message)
}

func toRefs(primary, fallback []string) []models.MediaReference {
	src := primary
	if len(src) == 0 {
		src = fallback
	}
	refs := make([]models.MediaReference, len(src))
	for i, s := range src {
		refs[i] = models.RefFromString(s)
	}
	return refs
}
