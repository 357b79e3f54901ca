package orchestrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/faults"
	"github.com/docuflow/document-extract-service/internal/postprocess"
	"github.com/docuflow/document-extract-service/internal/preprocess"
	"github.com/docuflow/document-extract-service/internal/services"
	"github.com/docuflow/document-extract-service/internal/store"
	"github.com/docuflow/document-extract-service/internal/vision"
)

// Approver schedules the export fan-out after approval; nil disables it.
type Approver interface {
	EnqueueApproved(ctx context.Context, documentID uuid.UUID, approvedBy string) error
}

// Persister is the store surface the pipeline drives.
type Persister interface {
	CreateFile(ctx context.Context, f *store.FileInfo) error
	MarkFileFailed(ctx context.Context, fileID uuid.UUID) error
	SaveParsed(ctx context.Context, file *store.FileInfo, payload map[string]any, docTypeCode, createdBy string, parseMeta map[string]any) (*store.Document, error)
	SaveApproved(ctx context.Context, documentID uuid.UUID, payload map[string]any, userID string) error
	Reject(ctx context.Context, documentID uuid.UUID, userID string) error
}

// ObjectStore keeps the original upload; nil disables artifact storage.
// Storing the artifact is best effort and never fails a parse.
type ObjectStore interface {
	Put(ctx context.Context, contentHash string, data []byte, contentType string) (string, error)
}

// Upload is one incoming document.
type Upload struct {
	Filename string
	Mime     string
	Data     []byte
	DocType  string
	UserID   string
}

// ParseResult is what a successful pipeline run returns to the API layer.
type ParseResult struct {
	DocumentID uuid.UUID
	Payload    map[string]any
	Validation *services.ValidationResult
	Mode       vision.Mode
	Provider   string
	Elapsed    time.Duration
}

// Orchestrator drives upload, preprocessing, extraction, post-processing
// and persistence for one document end to end.
type Orchestrator struct {
	pre      *preprocess.Preprocessor
	client   *vision.Client
	post     *postprocess.Processor
	checker  *services.ConsistencyChecker
	store    Persister
	objects  ObjectStore
	enqueuer Approver
	log      *zap.Logger
}

func New(pre *preprocess.Preprocessor, client *vision.Client, post *postprocess.Processor,
	st Persister, objects ObjectStore, enqueuer Approver, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		pre:      pre,
		client:   client,
		post:     post,
		checker:  services.NewConsistencyChecker(),
		store:    st,
		objects:  objects,
		enqueuer: enqueuer,
		log:      log,
	}
}

// ProcessDocument runs the full pipeline. A duplicate upload inside the
// coalescing window returns faults.ErrDuplicateInProgress before any model
// call is made. When persistence fails after a successful extraction, the
// post-processed payload is returned alongside the error.
func (o *Orchestrator) ProcessDocument(ctx context.Context, up Upload, mode vision.Mode) (*ParseResult, error) {
	start := time.Now()
	sum := sha256.Sum256(up.Data)
	hash := hex.EncodeToString(sum[:])

	file := &store.FileInfo{
		OriginalFilename: up.Filename,
		ContentHash:      hash,
		Mime:             up.Mime,
		ByteSize:         int64(len(up.Data)),
		UploadedBy:       up.UserID,
	}
	if err := o.store.CreateFile(ctx, file); err != nil {
		return nil, err
	}

	if o.objects != nil {
		path, err := o.objects.Put(ctx, hash, up.Data, up.Mime)
		if err != nil {
			o.log.Warn("artifact store unavailable, continuing without original",
				zap.String("filename", up.Filename), zap.Error(err))
		} else {
			file.StoragePath = path
		}
	}

	pages, err := o.pre.Process(ctx, up.Data, up.Mime)
	if err != nil {
		o.releaseClaim(ctx, file.ID)
		return nil, err
	}

	result, err := o.client.Extract(ctx, pages, mode, up.DocType)
	if err != nil {
		o.releaseClaim(ctx, file.ID)
		return nil, err
	}

	payload, err := o.post.Process(result)
	if err != nil {
		o.releaseClaim(ctx, file.ID)
		return nil, faults.Validation(err)
	}

	validation := o.checker.Check(payload)
	if !validation.Valid {
		o.log.Warn("extracted amounts are inconsistent",
			zap.String("filename", up.Filename),
			zap.Int("errors", len(validation.Errors)))
	}

	meta := map[string]any{
		"mode":       string(result.Mode),
		"provider":   o.client.ProviderName(),
		"pages":      len(pages),
		"elapsed_ms": time.Since(start).Milliseconds(),
		"validation": validation,
	}
	doc, err := o.store.SaveParsed(ctx, file, payload, up.DocType, up.UserID, meta)
	if err != nil {
		// The extraction already succeeded; hand the payload back with the
		// fault so the caller can retry persistence without a second model
		// call.
		o.releaseClaim(ctx, file.ID)
		return &ParseResult{
			Payload:    payload,
			Validation: validation,
			Mode:       result.Mode,
			Provider:   o.client.ProviderName(),
			Elapsed:    time.Since(start),
		}, err
	}

	o.log.Info("pipeline complete",
		zap.String("document_id", doc.ID.String()),
		zap.String("mode", string(result.Mode)),
		zap.Duration("elapsed", time.Since(start)))

	return &ParseResult{
		DocumentID: doc.ID,
		Payload:    payload,
		Validation: validation,
		Mode:       result.Mode,
		Provider:   o.client.ProviderName(),
		Elapsed:    time.Since(start),
	}, nil
}

// releaseClaim frees the duplicate-window claim after a failed run so a
// retry of the same bytes is not coalesced away. Best effort.
func (o *Orchestrator) releaseClaim(ctx context.Context, fileID uuid.UUID) {
	if err := o.store.MarkFileFailed(ctx, fileID); err != nil {
		o.log.Warn("could not release duplicate claim",
			zap.String("file_id", fileID.String()), zap.Error(err))
	}
}

// Approve persists the confirmed state, then schedules the export fan-out.
// An enqueue failure leaves the document approved; export can be replayed.
func (o *Orchestrator) Approve(ctx context.Context, documentID uuid.UUID, payload map[string]any, userID string) error {
	if err := o.store.SaveApproved(ctx, documentID, payload, userID); err != nil {
		return err
	}
	if o.enqueuer != nil {
		if err := o.enqueuer.EnqueueApproved(ctx, documentID, userID); err != nil {
			o.log.Error("export enqueue failed, document stays approved",
				zap.String("document_id", documentID.String()), zap.Error(err))
		}
	}
	return nil
}

// Reject marks the document rejected without touching the raw state.
func (o *Orchestrator) Reject(ctx context.Context, documentID uuid.UUID, userID string) error {
	return o.store.Reject(ctx, documentID, userID)
}
