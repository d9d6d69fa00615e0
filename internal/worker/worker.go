package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/audiobox-live/backend/internal/history"
	"github.com/audiobox-live/backend/pkg/queue"
	"github.com/audiobox-live/backend/pkg/storage"
)

// ArchiveProcessor processes archive upload jobs: read the local archive
// written during the broadcast, upload to S3, update the history row,
// then remove the local file.
type ArchiveProcessor struct {
	histRepo *history.Repository
	s3       *storage.S3
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewArchiveProcessor creates an archive upload processor.
func NewArchiveProcessor(histRepo *history.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{histRepo: histRepo, s3: s3, queue: q, logger: logger}
}

// Process executes one archive upload job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchiveUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	f, err := os.Open(payload.LocalPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if fi.Size() == 0 {
		p.logger.Warn("archive empty, skipping upload",
			zap.String("path", payload.LocalPath), zap.Int64("history_id", payload.HistoryID))
		return nil
	}

	key := storage.ArchiveKey(payload.StreamID, payload.HistoryID)
	s3URL, err := p.s3.Upload(ctx, p.s3.ArchivesBucket(), key, "audio/webm", f, fi.Size())
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.histRepo.UpdateArchive(ctx, payload.HistoryID, s3URL, fi.Size()); err != nil {
		p.logger.Error("update archive result failed", zap.Error(err), zap.Int64("history_id", payload.HistoryID))
		return fmt.Errorf("update db: %w", err)
	}

	if err := os.Remove(payload.LocalPath); err != nil {
		p.logger.Warn("local archive cleanup failed", zap.String("path", payload.LocalPath), zap.Error(err))
	}

	p.logger.Info("archive upload completed",
		zap.Int64("history_id", payload.HistoryID),
		zap.String("s3_key", key),
		zap.Int64("bytes", fi.Size()))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
