package repositories

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// AnnotationPrefix marks locally-authored columns. Any column whose name
// starts with this prefix is never touched by an upsert, so operator edits
// survive every sync.
const AnnotationPrefix = "local_"

var schemaCache = &sync.Map{}

// upsertColumns enumerates the columns a sync is allowed to overwrite:
// everything except the primary key, created_at, annotation columns and any
// caller-skipped columns. Enumerating from the parsed schema keeps the rule
// generic; adding an annotation field to a model is enough to protect it.
func upsertColumns(model interface{}, namer schema.Namer, skip ...string) ([]string, error) {
	s, err := schema.Parse(model, schemaCache, namer)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse model schema")
	}

	skipped := make(map[string]bool, len(s.PrimaryFieldDBNames)+len(skip))
	for _, name := range s.PrimaryFieldDBNames {
		skipped[name] = true
	}
	for _, name := range skip {
		skipped[name] = true
	}

	cols := make([]string, 0, len(s.DBNames))
	for _, name := range s.DBNames {
		if skipped[name] || name == "created_at" {
			continue
		}
		if strings.HasPrefix(name, AnnotationPrefix) {
			continue
		}
		cols = append(cols, name)
	}
	return cols, nil
}

// upsertPreservingAnnotations writes rows in a single INSERT ... ON CONFLICT
// statement keyed on keyColumn. Conflicting rows get every
// upstream-authoritative column overwritten; annotation columns keep their
// stored values. Fresh rows receive annotation defaults from the schema.
// Doing the merge inside one statement avoids a read-modify-write window
// between concurrent syncs and webhook deliveries.
func upsertPreservingAnnotations(ctx context.Context, db *gorm.DB, model, rows interface{}, keyColumn string, batchSize int, skip ...string) error {
	cols, err := upsertColumns(model, db.NamingStrategy, skip...)
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: keyColumn}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		CreateInBatches(rows, batchSize).Error
	if err != nil {
		return errors.Wrap(err, "annotation-preserving upsert failed")
	}
	return nil
}
