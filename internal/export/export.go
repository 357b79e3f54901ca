package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskApproved is enqueued once per approval. The handler fans the document
// out to every registered exporter out of band; a failed exporter retries
// without blocking the approval transaction.
const TaskApproved = "export:approved"

// Exporter receives an approved document. Implementations must be
// idempotent: the same document may be delivered more than once.
type Exporter interface {
	Name() string
	ExportApproved(ctx context.Context, documentID uuid.UUID) error
}

type approvedPayload struct {
	DocumentID uuid.UUID `json:"document_id"`
	ApprovedBy string    `json:"approved_by"`
}

// Enqueuer hands approval events to the worker queue.
type Enqueuer struct {
	client *asynq.Client
	queue  string
	log    *zap.Logger
}

func NewEnqueuer(redisAddr, queue string, log *zap.Logger) *Enqueuer {
	return &Enqueuer{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		queue:  queue,
		log:    log,
	}
}

func (e *Enqueuer) Close() error { return e.client.Close() }

// EnqueueApproved schedules the export fan-out. Enqueue failure is reported
// to the caller but must not roll back the approval; the document stays
// approved and can be re-exported.
func (e *Enqueuer) EnqueueApproved(ctx context.Context, documentID uuid.UUID, approvedBy string) error {
	payload, err := json.Marshal(approvedPayload{DocumentID: documentID, ApprovedBy: approvedBy})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskApproved, payload)
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(10),
		asynq.Timeout(2*time.Minute),
		asynq.Retention(24*time.Hour))
	if err != nil {
		return fmt.Errorf("export enqueue: %w", err)
	}
	e.log.Info("export scheduled",
		zap.String("document_id", documentID.String()),
		zap.String("task_id", info.ID))
	return nil
}

// Worker runs the fan-out. Each exporter failure fails the task so asynq
// retries it; exporters already delivered to must tolerate the replay.
type Worker struct {
	server    *asynq.Server
	exporters []Exporter
	marker    StatusMarker
	log       *zap.Logger
}

// StatusMarker transitions the document after a complete fan-out.
type StatusMarker interface {
	MarkExported(ctx context.Context, documentID uuid.UUID) error
}

func NewWorker(redisAddr, queue string, concurrency int, marker StatusMarker, exporters []Exporter, log *zap.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 4
	}
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{queue: 1},
		},
	)
	return &Worker{server: server, exporters: exporters, marker: marker, log: log}
}

func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskApproved, w.handleApproved)
	return w.server.Start(mux)
}

func (w *Worker) Shutdown() { w.server.Shutdown() }

func (w *Worker) handleApproved(ctx context.Context, task *asynq.Task) error {
	var payload approvedPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("bad payload: %w: %w", err, asynq.SkipRetry)
	}

	for _, exp := range w.exporters {
		if err := exp.ExportApproved(ctx, payload.DocumentID); err != nil {
			w.log.Warn("exporter failed",
				zap.String("exporter", exp.Name()),
				zap.String("document_id", payload.DocumentID.String()),
				zap.Error(err))
			return err
		}
	}

	if w.marker != nil {
		if err := w.marker.MarkExported(ctx, payload.DocumentID); err != nil {
			return err
		}
	}
	w.log.Info("export complete", zap.String("document_id", payload.DocumentID.String()))
	return nil
}
