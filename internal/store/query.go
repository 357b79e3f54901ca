package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docuflow/document-extract-service/internal/faults"
)

// SearchParams filters the document listing. Query runs a full-text match
// over field values and page OCR text; an empty query lists everything.
type SearchParams struct {
	Status   string
	Query    string
	Language string
	Page     int
	PerPage  int
}

// DocumentSummary is one row of the search listing.
type DocumentSummary struct {
	ID        uuid.UUID `json:"id"`
	DocType   string    `json:"doc_type"`
	Status    string    `json:"status"`
	Language  string    `json:"language,omitempty"`
	Supplier  string    `json:"supplier,omitempty"`
	Buyer     string    `json:"buyer,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GetDocument returns the document with its current payload: the latest
// APPROVED snapshot when one exists, else the RAW one.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*DocumentDetail, error) {
	detail := &DocumentDetail{}
	var meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT d.id, dt.code, d.status, COALESCE(d.language, ''), COALESCE(d.country, ''),
		       d.supplier_id, d.buyer_id, d.file_id, d.created_at, d.created_by, d.parse_meta
		FROM documents d
		JOIN document_types dt ON dt.id = d.doc_type_id
		WHERE d.id = $1
	`, id).Scan(&detail.ID, &detail.DocType, &detail.Status, &detail.Language, &detail.Country,
		&detail.SupplierID, &detail.BuyerID, &detail.FileID, &detail.CreatedAt, &detail.CreatedBy, &meta)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("document %s: %w", id, faults.ErrNotFound)
	}
	if err != nil {
		return nil, faults.Persistence(err)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &detail.ParseMeta)
	}

	var payload []byte
	err = s.pool.QueryRow(ctx, `
		SELECT kind, payload FROM snapshots
		WHERE document_id = $1
		ORDER BY (kind = $2) DESC, version DESC
		LIMIT 1
	`, id, SnapshotApproved).Scan(&detail.PayloadKind, &payload)
	if err != nil && err != pgx.ErrNoRows {
		return nil, faults.Persistence(err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &detail.Payload); err != nil {
			return nil, faults.Persistence(err)
		}
	}
	return detail, nil
}

// SearchDocuments lists documents newest first, filtered by status and an
// optional full-text query. Returns the page and the total match count.
func (s *Store) SearchDocuments(ctx context.Context, p SearchParams) ([]DocumentSummary, int, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 || p.PerPage > 100 {
		p.PerPage = 20
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.Status != "" {
		where = append(where, "d.status = "+arg(p.Status))
	}
	if p.Language != "" {
		where = append(where, "d.language = "+arg(p.Language))
	}
	if p.Query != "" {
		q := arg(p.Query)
		where = append(where, `(
			EXISTS (
				SELECT 1 FROM fields f
				WHERE f.document_id = d.id
				  AND to_tsvector('simple', COALESCE(f.raw_value_text, '')) @@ plainto_tsquery('simple', `+q+`)
			) OR EXISTS (
				SELECT 1 FROM pages pg
				WHERE pg.document_id = d.id
				  AND to_tsvector('simple', pg.ocr_text) @@ plainto_tsquery('simple', `+q+`)
			)
		)`)
	}

	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM documents d"+cond, args...).Scan(&total)
	if err != nil {
		return nil, 0, faults.Persistence(err)
	}

	query := `
		SELECT d.id, dt.code, d.status, COALESCE(d.language, ''),
		       COALESCE(sup.legal_name, ''), COALESCE(buy.legal_name, ''), d.created_at
		FROM documents d
		JOIN document_types dt ON dt.id = d.doc_type_id
		LEFT JOIN companies sup ON sup.id = d.supplier_id
		LEFT JOIN companies buy ON buy.id = d.buyer_id
	` + cond + `
		ORDER BY d.created_at DESC
		LIMIT ` + arg(p.PerPage) + ` OFFSET ` + arg((p.Page-1)*p.PerPage)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, faults.Persistence(err)
	}
	defer rows.Close()

	var out []DocumentSummary
	for rows.Next() {
		var d DocumentSummary
		if err := rows.Scan(&d.ID, &d.DocType, &d.Status, &d.Language, &d.Supplier, &d.Buyer, &d.CreatedAt); err != nil {
			return nil, 0, faults.Persistence(err)
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}
