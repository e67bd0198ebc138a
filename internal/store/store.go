// Package store persists Submissions to SQLite via bun, using an
// optimistic-concurrency version column so that compilation_finished and
// evaluation_finished handlers can detect a conflicting concurrent write
// and retry rather than clobber it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/CNITV/cms/pkg/types"
)

// ErrNotFound is returned when no submission exists for the requested id.
var ErrNotFound = errors.New("store: submission not found")

// ErrConflict is returned by Save when the row's version no longer matches
// what the caller last read — someone else wrote it first.
var ErrConflict = errors.New("store: optimistic concurrency conflict")

// Submission is the persisted record of one contestant's attempt at a task.
type Submission struct {
	ID                    types.SubmissionID
	Version               int
	TaskID                string
	Timestamp             time.Time
	CompilationTentatives int
	EvaluationTentatives  int
	CompilationOutcome    types.CompilationOutcome
	EvaluationOutcome     types.EvaluationOutcome
	Tokened               bool
}

type submissionModel struct {
	bun.BaseModel `bun:"table:submissions"`

	ID        string    `bun:"id,pk"`
	Version   int       `bun:"version,notnull,default:0"`
	TaskID    string    `bun:"task_id,notnull"`
	Timestamp time.Time `bun:"timestamp,notnull"`

	CompilationTentatives int    `bun:"compilation_tentatives,notnull,default:0"`
	EvaluationTentatives  int    `bun:"evaluation_tentatives,notnull,default:0"`
	CompilationOutcome    string `bun:"compilation_outcome,notnull,default:''"`
	EvaluationOutcome     string `bun:"evaluation_outcome,notnull,default:''"`
	Tokened               bool   `bun:"tokened,notnull,default:false"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (m *submissionModel) toSubmission() *Submission {
	return &Submission{
		ID:                    types.SubmissionID(m.ID),
		Version:               m.Version,
		TaskID:                m.TaskID,
		Timestamp:             m.Timestamp,
		CompilationTentatives: m.CompilationTentatives,
		EvaluationTentatives:  m.EvaluationTentatives,
		CompilationOutcome:    types.CompilationOutcome(m.CompilationOutcome),
		EvaluationOutcome:     types.EvaluationOutcome(m.EvaluationOutcome),
		Tokened:               m.Tokened,
	}
}

func fromSubmission(s *Submission) *submissionModel {
	now := time.Now()
	return &submissionModel{
		ID:                    string(s.ID),
		Version:               s.Version,
		TaskID:                s.TaskID,
		Timestamp:             s.Timestamp,
		CompilationTentatives: s.CompilationTentatives,
		EvaluationTentatives:  s.EvaluationTentatives,
		CompilationOutcome:    string(s.CompilationOutcome),
		EvaluationOutcome:     string(s.EvaluationOutcome),
		Tokened:               s.Tokened,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Store is the submission store.
type Store struct {
	db *bun.DB
}

// Open connects to the SQLite database named by dsn and ensures its schema
// exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		sqldb.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.DB.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.NewCreateTable().Model((*submissionModel)(nil)).IfNotExists().Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	if _, err := tx.NewCreateIndex().
		Model((*submissionModel)(nil)).
		Index("idx_submissions_task").
		Column("task_id").
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

// Create inserts a brand-new submission at version 0.
func (s *Store) Create(ctx context.Context, sub *Submission) error {
	sub.Version = 0
	model := fromSubmission(sub)
	_, err := s.db.NewInsert().Model(model).Exec(ctx)
	return err
}

// Get loads a submission by id.
func (s *Store) Get(ctx context.Context, id types.SubmissionID) (*Submission, error) {
	model := new(submissionModel)
	err := s.db.NewSelect().Model(model).Where("id = ?", string(id)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.toSubmission(), nil
}

// ListAll returns every submission, used by the evaluation server's
// startup recovery walk.
func (s *Store) ListAll(ctx context.Context) ([]*Submission, error) {
	var models []*submissionModel
	if err := s.db.NewSelect().Model(&models).Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]*Submission, len(models))
	for i, m := range models {
		out[i] = m.toSubmission()
	}
	return out, nil
}

// Save writes sub back with its version incremented, guarded by the
// version it was last read at. If another writer got there first, Save
// returns ErrConflict and leaves sub unmodified; the caller should Refresh
// and retry.
func (s *Store) Save(ctx context.Context, sub *Submission) error {
	now := time.Now()
	res, err := s.db.NewUpdate().
		Model((*submissionModel)(nil)).
		Set("compilation_tentatives = ?", sub.CompilationTentatives).
		Set("evaluation_tentatives = ?", sub.EvaluationTentatives).
		Set("compilation_outcome = ?", string(sub.CompilationOutcome)).
		Set("evaluation_outcome = ?", string(sub.EvaluationOutcome)).
		Set("tokened = ?", sub.Tokened).
		Set("version = version + 1").
		Set("updated_at = ?", now).
		Where("id = ?", string(sub.ID)).
		Where("version = ?", sub.Version).
		Exec(ctx)
	if err != nil {
		return err
	}
	if !isAffected(res) {
		return ErrConflict
	}
	sub.Version++
	return nil
}

// Refresh reloads sub's fields from the store in place, used after a Save
// conflict.
func (s *Store) Refresh(ctx context.Context, sub *Submission) error {
	fresh, err := s.Get(ctx, sub.ID)
	if err != nil {
		return err
	}
	*sub = *fresh
	return nil
}

func isAffected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

// NewSubmissionID mints a fresh opaque submission identifier, for callers
// (test fixtures) that don't already have one from the contest management
// system.
func NewSubmissionID() types.SubmissionID {
	return types.SubmissionID(uuid.NewString())
}
