package store

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/config"
)

// NormalizeTaxID reduces a raw tax-id string to its longest contiguous
// digit sequence. "код за ЄДРПОУ 37483556" becomes "37483556"; a string
// with no digits becomes "".
func NormalizeTaxID(raw string) string {
	var best, current strings.Builder
	flush := func() {
		if current.Len() > best.Len() {
			best.Reset()
			best.WriteString(current.String())
		}
		current.Reset()
	}
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return best.String()
}

// NormalizeCompanyName produces the lookup key for a company name: outer
// punctuation stripped, whitespace collapsed, case folded. The canonical
// stored name is never rewritten from this.
func NormalizeCompanyName(raw string) string {
	trimmed := strings.TrimFunc(raw, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r)
	})
	folded := strings.ToLower(trimmed)
	return strings.Join(strings.Fields(folded), " ")
}

// Company mirrors the companies table.
type Company struct {
	ID               uuid.UUID
	LegalName        string
	ShortName        string
	TaxID            string
	VatID            string
	RegistrationCode string
	Country          string
	Language         string
	Address          string
	Bank             string
	Verified         bool
}

// CompanyResolver deduplicates companies across documents: by normalized
// tax id first, then by normalized name, else a new row. Updates only
// overwrite attributes that arrive non-empty.
type CompanyResolver struct {
	cfg config.CompanyConfig
	log *zap.Logger
}

func NewCompanyResolver(cfg config.CompanyConfig, log *zap.Logger) *CompanyResolver {
	return &CompanyResolver{cfg: cfg, log: log}
}

// ResolveOrCreate runs inside the caller's transaction so a failed document
// save leaves no company row behind either.
func (r *CompanyResolver) ResolveOrCreate(ctx context.Context, tx pgx.Tx, info PartyInfo) (uuid.UUID, error) {
	taxID := info.TaxID
	if r.cfg.NormalizeTaxID {
		taxID = NormalizeTaxID(info.TaxID)
	}
	nameKey := NormalizeCompanyName(info.Name)

	if taxID != "" {
		id, found, err := r.lookup(ctx, tx, "tax_id = $1", taxID)
		if err != nil {
			return uuid.Nil, err
		}
		if found {
			return id, r.update(ctx, tx, id, info, taxID, nameKey)
		}
	}

	if nameKey != "" && (taxID == "" || r.cfg.TaxIDFallbackToName) {
		id, found, err := r.lookup(ctx, tx, "name_key = $1", nameKey)
		if err != nil {
			return uuid.Nil, err
		}
		if found {
			return id, r.update(ctx, tx, id, info, taxID, nameKey)
		}
	}

	return r.insert(ctx, tx, info, taxID, nameKey)
}

func (r *CompanyResolver) lookup(ctx context.Context, tx pgx.Tx, where, arg string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx,
		"SELECT id FROM companies WHERE "+where+" ORDER BY created_at LIMIT 1", arg,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("company lookup failed: %w", err)
	}
	return id, true, nil
}

// update overwrites only attributes that arrive non-empty; a known value is
// never clobbered with a blank. name_key follows legal_name so later
// name-only lookups match the current spelling.
func (r *CompanyResolver) update(ctx context.Context, tx pgx.Tx, id uuid.UUID, info PartyInfo, taxID, nameKey string) error {
	_, err := tx.Exec(ctx, `
		UPDATE companies SET
			legal_name        = COALESCE(NULLIF($2, ''), legal_name),
			name_key          = COALESCE(NULLIF($3, ''), name_key),
			tax_id            = COALESCE(NULLIF($4, ''), tax_id),
			vat_id            = COALESCE(NULLIF($5, ''), vat_id),
			registration_code = COALESCE(NULLIF($6, ''), registration_code),
			country           = COALESCE(NULLIF($7, ''), country),
			address           = COALESCE(NULLIF($8, ''), address),
			bank_details      = COALESCE(NULLIF($9, ''), bank_details),
			updated_at        = NOW()
		WHERE id = $1
	`, id, info.Name, nameKey, taxID, info.VatID, info.RegCode, info.Country, info.Address, info.Bank)
	if err != nil {
		return fmt.Errorf("company update failed: %w", err)
	}
	return nil
}

func (r *CompanyResolver) insert(ctx context.Context, tx pgx.Tx, info PartyInfo, taxID, nameKey string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := tx.Exec(ctx, `
		INSERT INTO companies (
			id, legal_name, name_key, tax_id, vat_id, registration_code,
			country, address, bank_details, verified, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''),
		          NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), false, NOW(), NOW())
	`, id, info.Name, nameKey, taxID, info.VatID, info.RegCode, info.Country, info.Address, info.Bank)
	if err != nil {
		return uuid.Nil, fmt.Errorf("company insert failed: %w", err)
	}
	r.log.Debug("created company", zap.String("id", id.String()), zap.String("tax_id", taxID))
	return id, nil
}

// UpsertProfile accumulates per-(company, document type) expectations.
func (r *CompanyResolver) UpsertProfile(ctx context.Context, tx pgx.Tx, companyID uuid.UUID, docTypeID int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO company_profiles (company_id, doc_type_id, active, created_at)
		VALUES ($1, $2, true, NOW())
		ON CONFLICT (company_id, doc_type_id) DO NOTHING
	`, companyID, docTypeID)
	return err
}
