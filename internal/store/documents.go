package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/faults"
)

// Document statuses.
const (
	StatusParsed   = "parsed"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExported = "exported"
)

// Snapshot kinds.
const (
	SnapshotRaw      = "raw"
	SnapshotApproved = "approved"
)

// FileInfo describes one uploaded artifact. Created once, immutable.
type FileInfo struct {
	ID               uuid.UUID
	StoragePath      string
	OriginalFilename string
	ContentHash      string
	Mime             string
	ByteSize         int64
	UploadedBy       string
}

// Document is the business-field-free document row.
type Document struct {
	ID         uuid.UUID
	DocType    string
	Status     string
	Language   string
	Country    string
	SupplierID *uuid.UUID
	BuyerID    *uuid.UUID
	FileID     uuid.UUID
	CreatedAt  time.Time
	CreatedBy  string
	ParseMeta  map[string]any
}

// DocumentDetail is a document plus its latest payload (approved when
// present, else raw).
type DocumentDetail struct {
	Document
	PayloadKind string
	Payload     map[string]any
}

// Store is the persistence service. All writes for one document happen in a
// single serializable transaction; on failure everything rolls back.
type Store struct {
	pool      *pgxpool.Pool
	cfg       config.DatabaseConfig
	companies *CompanyResolver
	log       *zap.Logger
}

func New(pool *pgxpool.Pool, cfg config.DatabaseConfig, companies *CompanyResolver, log *zap.Logger) *Store {
	return &Store{pool: pool, cfg: cfg, companies: companies, log: log}
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// CreateFile registers an uploaded artifact and claims its content hash for
// the duplicate window. Only hashes still processing or already parsed
// coalesce; a failed pipeline run releases the claim so the caller can retry
// the same bytes immediately. This is a best-effort guard, not a uniqueness
// constraint; duplicate uploads outside the window are allowed.
func (s *Store) CreateFile(ctx context.Context, f *FileInfo) error {
	var recent bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM files
			WHERE content_hash = $1
			  AND parse_status <> 'failed'
			  AND uploaded_at > NOW() - make_interval(secs => $2)
		)
	`, f.ContentHash, s.cfg.DuplicateCheckWindow.Seconds()).Scan(&recent)
	if err != nil {
		return fmt.Errorf("duplicate check failed: %w", err)
	}
	if recent {
		return faults.ErrDuplicateInProgress
	}

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO files (id, storage_path, original_filename, content_hash, mime, byte_size, parse_status, uploaded_at, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, 'processing', NOW(), $7)
	`, f.ID, f.StoragePath, f.OriginalFilename, f.ContentHash, f.Mime, f.ByteSize, f.UploadedBy)
	if err != nil {
		return fmt.Errorf("file insert failed: %w", err)
	}
	return nil
}

// MarkFileFailed releases the duplicate claim after a failed pipeline run.
func (s *Store) MarkFileFailed(ctx context.Context, fileID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE files SET parse_status = 'failed' WHERE id = $1", fileID)
	return err
}

// SaveParsed persists a post-processed payload as the RAW state: document
// row, RAW snapshot v1, and every entity row the payload walk produces.
func (s *Store) SaveParsed(ctx context.Context, file *FileInfo, payload map[string]any, docTypeCode, createdBy string, parseMeta map[string]any) (*Document, error) {
	if docTypeCode == "" {
		docTypeCode = "invoice"
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, faults.Persistence(err)
	}
	defer tx.Rollback(ctx)

	if err := s.setTimeout(ctx, tx); err != nil {
		return nil, faults.Persistence(err)
	}

	if err := s.ensureFile(ctx, tx, file); err != nil {
		return nil, faults.Persistence(err)
	}

	docTypeID, err := s.resolveDocType(ctx, tx, docTypeCode)
	if err != nil {
		return nil, faults.Persistence(err)
	}

	defs, defIDs, err := s.loadDefinitions(ctx, tx)
	if err != nil {
		return nil, faults.Persistence(err)
	}

	walk := WalkPayload(payload, defs)

	doc := &Document{
		ID:        uuid.New(),
		DocType:   docTypeCode,
		Status:    StatusParsed,
		Language:  walk.Language,
		Country:   walk.Country,
		FileID:    file.ID,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
		ParseMeta: parseMeta,
	}

	for _, party := range walk.Parties {
		companyID, err := s.companies.ResolveOrCreate(ctx, tx, party)
		if err != nil {
			return nil, faults.Persistence(err)
		}
		if err := s.companies.UpsertProfile(ctx, tx, companyID, docTypeID); err != nil {
			return nil, faults.Persistence(err)
		}
		id := companyID
		switch party.Role {
		case "supplier", "seller":
			doc.SupplierID = &id
		case "buyer", "customer":
			doc.BuyerID = &id
		}
	}

	metaJSON, err := json.Marshal(parseMeta)
	if err != nil {
		return nil, faults.Persistence(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, doc_type_id, status, language, country, supplier_id, buyer_id, file_id, created_at, created_by, parse_meta)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
	`, doc.ID, docTypeID, doc.Status, doc.Language, doc.Country, doc.SupplierID, doc.BuyerID, doc.FileID, doc.CreatedAt, doc.CreatedBy, metaJSON)
	if err != nil {
		return nil, faults.Persistence(err)
	}

	if err := s.insertSnapshot(ctx, tx, doc.ID, SnapshotRaw, 1, payload, createdBy); err != nil {
		return nil, faults.Persistence(err)
	}
	if err := s.insertEntities(ctx, tx, doc, walk, defIDs); err != nil {
		return nil, faults.Persistence(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, faults.Persistence(err)
	}

	s.log.Info("document persisted",
		zap.String("document_id", doc.ID.String()),
		zap.String("doc_type", docTypeCode),
		zap.Int("fields", len(walk.Fields)),
		zap.Int("signatures", len(walk.Signatures)))
	return doc, nil
}

// SaveApproved writes the human-confirmed state in its own transaction.
// The RAW snapshot and raw_* slots are never touched.
func (s *Store) SaveApproved(ctx context.Context, documentID uuid.UUID, payload map[string]any, userID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return faults.Persistence(err)
	}
	defer tx.Rollback(ctx)

	if err := s.setTimeout(ctx, tx); err != nil {
		return faults.Persistence(err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = NOW(), updated_by = $3
		WHERE id = $1
	`, documentID, StatusApproved, userID)
	if err != nil {
		return faults.Persistence(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, faults.ErrNotFound)
	}

	var next int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots
		WHERE document_id = $1 AND kind = $2
	`, documentID, SnapshotApproved).Scan(&next)
	if err != nil {
		return faults.Persistence(err)
	}
	if err := s.insertSnapshot(ctx, tx, documentID, SnapshotApproved, next, payload, userID); err != nil {
		return faults.Persistence(err)
	}

	defs, _, err := s.loadDefinitions(ctx, tx)
	if err != nil {
		return faults.Persistence(err)
	}
	walk := WalkPayload(payload, defs)

	if err := s.approveFields(ctx, tx, documentID, walk, userID); err != nil {
		return faults.Persistence(err)
	}
	if err := s.approveSignatures(ctx, tx, documentID, walk); err != nil {
		return faults.Persistence(err)
	}
	if err := s.approveTables(ctx, tx, documentID, walk, userID); err != nil {
		return faults.Persistence(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return faults.Persistence(err)
	}

	s.log.Info("document approved",
		zap.String("document_id", documentID.String()),
		zap.String("user_id", userID),
		zap.Int("version", next))
	return nil
}

// Reject marks a document rejected. No APPROVED snapshot is written and the
// RAW state is retained.
func (s *Store) Reject(ctx context.Context, documentID uuid.UUID, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = NOW(), updated_by = $3
		WHERE id = $1
	`, documentID, StatusRejected, userID)
	if err != nil {
		return faults.Persistence(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, faults.ErrNotFound)
	}
	return nil
}

// MarkExported transitions an approved document after export fan-out.
func (s *Store) MarkExported(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, documentID, StatusExported, StatusApproved)
	return err
}

func (s *Store) setTimeout(ctx context.Context, tx pgx.Tx) error {
	ms := s.cfg.TransactionTimeout.Milliseconds()
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms))
	return err
}

// ensureFile makes the file row visible inside the transaction; callers
// that went through CreateFile already have one. The storage path and parse
// status are refreshed because the artifact upload happens after file
// registration and this transaction completes the parse.
func (s *Store) ensureFile(ctx context.Context, tx pgx.Tx, f *FileInfo) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO files (id, storage_path, original_filename, content_hash, mime, byte_size, parse_status, uploaded_at, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, 'parsed', NOW(), $7)
		ON CONFLICT (id) DO UPDATE
			SET storage_path = EXCLUDED.storage_path, parse_status = 'parsed'
	`, f.ID, f.StoragePath, f.OriginalFilename, f.ContentHash, f.Mime, f.ByteSize, f.UploadedBy)
	return err
}

func (s *Store) resolveDocType(ctx context.Context, tx pgx.Tx, code string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, "SELECT id FROM document_types WHERE code = $1", code).Scan(&id)
	if err == pgx.ErrNoRows {
		err = tx.QueryRow(ctx, `
			INSERT INTO document_types (code, name) VALUES ($1, $1) RETURNING id
		`, code).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("document type resolution failed: %w", err)
	}
	return id, nil
}

func (s *Store) loadDefinitions(ctx context.Context, tx pgx.Tx) (Definitions, map[string]int64, error) {
	rows, err := tx.Query(ctx, "SELECT id, code, section, data_type FROM field_definitions")
	if err != nil {
		return nil, nil, fmt.Errorf("definition load failed: %w", err)
	}
	defer rows.Close()

	defs := make(Definitions)
	ids := make(map[string]int64)
	for rows.Next() {
		var d FieldDefinition
		if err := rows.Scan(&d.ID, &d.Code, &d.Section, &d.DataType); err != nil {
			return nil, nil, err
		}
		defs[d.Code] = d
		ids[d.Code] = d.ID
	}
	return defs, ids, rows.Err()
}

func (s *Store) insertSnapshot(ctx context.Context, tx pgx.Tx, docID uuid.UUID, kind string, version int, payload map[string]any, createdBy string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO snapshots (id, document_id, kind, version, payload, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6)
	`, uuid.New(), docID, kind, version, data, createdBy)
	return err
}

// insertEntities writes the walked rows in one batch round trip.
func (s *Store) insertEntities(ctx context.Context, tx pgx.Tx, doc *Document, walk *WalkResult, defIDs map[string]int64) error {
	batch := &pgx.Batch{}

	for _, f := range walk.Fields {
		var defID *int64
		if f.Known {
			if id, ok := defIDs[f.Code]; ok {
				defID = &id
			}
		}
		text, number, date, boolean := f.Value.Slots()
		batch.Queue(`
			INSERT INTO fields (
				id, document_id, field_definition_id, field_code, section, section_label,
				raw_label, language, raw_value_text, raw_value_number, raw_value_date,
				raw_value_bool, raw_confidence, page_number, corrected, ignored
			) VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7, NULLIF($8, ''),
			          $9, $10, $11, $12, $13, $14, false, false)
		`, uuid.New(), doc.ID, defID, f.Code, f.Section, f.SectionLabel,
			f.RawLabel, f.Language, text, number, date, boolean, f.Confidence, f.PageNumber)
	}

	for _, sig := range walk.Signatures {
		raw, err := json.Marshal(sig.Raw)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO signatures (
				id, document_id, signature_index, role, name, is_signed, is_stamped,
				stamp_content, handwritten_date, raw_payload, corrected
			) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7,
			          NULLIF($8, ''), NULLIF($9, ''), $10, false)
		`, uuid.New(), doc.ID, sig.Index, sig.Role, sig.Name, sig.Signed, sig.Stamped,
			sig.StampContent, sig.HandwrittenDate, raw)
	}

	for _, table := range walk.Tables {
		mapping, err := json.Marshal(table.MappingRaw)
		if err != nil {
			return err
		}
		tableRows, err := json.Marshal(table.RowsRaw)
		if err != nil {
			return err
		}
		order, err := json.Marshal(table.ColumnOrder)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO table_sections (
				id, document_id, section_name, section_order,
				column_mapping_raw, rows_raw, column_order_raw
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), doc.ID, table.Name, table.Order, mapping, tableRows, order)
	}

	for _, page := range walk.Pages {
		batch.Queue(`
			INSERT INTO pages (id, document_id, page_number, ocr_text)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), doc.ID, page.Number, page.OCRText)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("entity insert failed: %w", err)
		}
	}
	return results.Close()
}

// storedField is the raw slice of a field row needed for the approval diff.
type storedField struct {
	ID       uuid.UUID
	Code     string
	Section  string
	RawLabel string
	Value    Value
}

func (s *Store) approveFields(ctx context.Context, tx pgx.Tx, docID uuid.UUID, walk *WalkResult, userID string) error {
	rows, err := tx.Query(ctx, `
		SELECT id, COALESCE(field_code, ''), section, raw_label,
		       raw_value_text, raw_value_number, raw_value_date, raw_value_bool
		FROM fields WHERE document_id = $1
	`, docID)
	if err != nil {
		return err
	}

	stored := make(map[string]storedField)
	for rows.Next() {
		var f storedField
		var text *string
		var number *decimal.Decimal
		var date *time.Time
		var boolean *bool
		if err := rows.Scan(&f.ID, &f.Code, &f.Section, &f.RawLabel, &text, &number, &date, &boolean); err != nil {
			rows.Close()
			return err
		}
		f.Value = valueFromSlots(text, number, date, boolean)
		stored[fieldKey(f.Code, f.Section, f.RawLabel)] = f
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, f := range walk.Fields {
		prev, ok := stored[fieldKey(f.Code, f.Section, f.RawLabel)]
		if !ok {
			continue
		}
		text, number, date, boolean := f.Value.Slots()
		corrected := !f.Value.Equal(prev.Value)
		batch.Queue(`
			UPDATE fields SET
				approved_value_text = $2, approved_value_number = $3,
				approved_value_date = $4, approved_value_bool = $5,
				corrected = $6, approved_by = $7, approved_at = NOW()
			WHERE id = $1
		`, prev.ID, text, number, date, boolean, corrected, userID)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("field approval failed: %w", err)
		}
	}
	return results.Close()
}

func (s *Store) approveSignatures(ctx context.Context, tx pgx.Tx, docID uuid.UUID, walk *WalkResult) error {
	rows, err := tx.Query(ctx, `
		SELECT signature_index, raw_payload FROM signatures WHERE document_id = $1
	`, docID)
	if err != nil {
		return err
	}
	rawByIndex := make(map[int]map[string]any)
	for rows.Next() {
		var idx int
		var raw map[string]any
		if err := rows.Scan(&idx, &raw); err != nil {
			rows.Close()
			return err
		}
		rawByIndex[idx] = raw
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, sig := range walk.Signatures {
		approved, err := json.Marshal(sig.Raw)
		if err != nil {
			return err
		}
		corrected := !jsonEqual(rawByIndex[sig.Index], sig.Raw)
		_, err = tx.Exec(ctx, `
			UPDATE signatures SET approved_payload = $3, corrected = $4
			WHERE document_id = $1 AND signature_index = $2
		`, docID, sig.Index, approved, corrected)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) approveTables(ctx context.Context, tx pgx.Tx, docID uuid.UUID, walk *WalkResult, userID string) error {
	for _, table := range walk.Tables {
		mapping, err := json.Marshal(table.MappingRaw)
		if err != nil {
			return err
		}
		tableRows, err := json.Marshal(table.RowsRaw)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE table_sections SET
				rows_approved = $3, column_mapping_approved = $4,
				approved_by = $5, approved_at = NOW()
			WHERE document_id = $1 AND section_order = $2
		`, docID, table.Order, tableRows, mapping, userID)
		if err != nil {
			return err
		}
	}
	return nil
}

func fieldKey(code, section, rawLabel string) string {
	if code != "" {
		return section + "\x00" + code
	}
	return section + "\x00\x00" + rawLabel
}

func valueFromSlots(text *string, number *decimal.Decimal, date *time.Time, boolean *bool) Value {
	switch {
	case number != nil:
		v := Value{Kind: KindNumber, Number: *number}
		if text != nil {
			v.RawText = *text
		}
		return v
	case date != nil:
		v := Value{Kind: KindDate, Date: *date}
		if text != nil {
			v.RawText = *text
		}
		return v
	case boolean != nil:
		return Value{Kind: KindBool, Bool: *boolean}
	case text != nil:
		return Value{Kind: KindText, Text: *text}
	default:
		return Value{Kind: KindText}
	}
}
