package export

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/docuflow/document-extract-service/internal/store"
)

// DocumentSource loads the current payload of a document.
type DocumentSource interface {
	GetDocument(ctx context.Context, id uuid.UUID) (*store.DocumentDetail, error)
}

// ObjectWriter stores a serialized export artifact.
type ObjectWriter interface {
	PutObject(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

// SnapshotExporter writes the approved payload as a JSON artifact to the
// object store. Overwrites on replay, so it is idempotent.
type SnapshotExporter struct {
	source DocumentSource
	writer ObjectWriter
}

func NewSnapshotExporter(source DocumentSource, writer ObjectWriter) *SnapshotExporter {
	return &SnapshotExporter{source: source, writer: writer}
}

func (e *SnapshotExporter) Name() string { return "snapshot" }

func (e *SnapshotExporter) ExportApproved(ctx context.Context, documentID uuid.UUID) error {
	detail, err := e.source.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if detail.PayloadKind != store.SnapshotApproved {
		return fmt.Errorf("document %s has no approved snapshot", documentID)
	}

	out := map[string]any{
		"document_id": detail.ID,
		"doc_type":    detail.DocType,
		"status":      detail.Status,
		"payload":     detail.Payload,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	_, err = e.writer.PutObject(ctx, "exports/"+documentID.String()+".json", data, "application/json")
	return err
}
