package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/internal/config"
)

// tsConfigs maps ISO language codes to the postgres text-search
// configuration used for that language. Unlisted codes fall back to
// 'simple', which the base migration already indexes.
var tsConfigs = map[string]string{
	"en": "english",
	"ru": "russian",
	"de": "german",
	"fr": "french",
	"es": "spanish",
	"it": "italian",
	"pl": "polish",
}

// EnsureSearchIndexes creates partial full-text indexes for the configured
// language set. Idempotent; runs after migrations on every start.
func (s *Store) EnsureSearchIndexes(ctx context.Context, cfg config.SearchConfig) error {
	for _, lang := range cfg.Languages {
		tsCfg, ok := tsConfigs[lang]
		if !ok || tsCfg == "simple" {
			continue
		}
		partial := false
		for _, p := range cfg.PartialLanguages {
			if p == lang {
				partial = true
				break
			}
		}

		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_fields_fts_%s ON fields
			 USING GIN (to_tsvector('%s', COALESCE(raw_value_text, '')))`,
			tsCfg, tsCfg)
		if partial {
			stmt += fmt.Sprintf(" WHERE language = '%s'", lang)
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("search index for %s: %w", lang, err)
		}
		s.log.Debug("search index ensured", zap.String("language", lang), zap.Bool("partial", partial))
	}
	return nil
}

// ArchivePartitions detaches yearly document partitions older than the
// retention horizon. Detached tables are renamed with an _archived suffix
// and kept for offline export; nothing is dropped.
func (s *Store) ArchivePartitions(ctx context.Context, olderThan time.Duration) error {
	cutoffYear := time.Now().UTC().Add(-olderThan).Year()

	rows, err := s.pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'documents'
	`)
	if err != nil {
		return fmt.Errorf("partition listing failed: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range names {
		year, ok := partitionYear(name)
		if !ok || year >= cutoffYear {
			continue
		}
		_, err := s.pool.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s NO INHERIT documents", name))
		if err != nil {
			return fmt.Errorf("detach %s: %w", name, err)
		}
		_, err = s.pool.Exec(ctx, fmt.Sprintf(
			"ALTER TABLE %s RENAME TO %s_archived", name, name))
		if err != nil {
			return fmt.Errorf("rename %s: %w", name, err)
		}
		s.log.Info("archived document partition",
			zap.String("partition", name), zap.Int("year", year))
	}
	return nil
}

func partitionYear(name string) (int, bool) {
	const prefix = "documents_y"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	year, err := strconv.Atoi(name[len(prefix):])
	if err != nil {
		return 0, false
	}
	return year, true
}
