package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc.org/sqlite registers itself as "sqlite", which sqlx does not know by name
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

// DBStore implements storage.Store on PostgreSQL or SQLite through sqlx.
// Queries use '?' placeholders and are rebound for the driver in use.
type DBStore struct {
	db DBInterface
}

const runColumns = "id, workflow_id, run_type, logical_date, status, created_at, started_at, finished_at"

const taskInstanceColumns = "run_id, task_id, position, status, attempts, max_retries, exit_code, error_msg, started_at, finished_at"

func NewPostgresStore(connStr string) (*DBStore, error) {
	return open("postgres", connStr)
}

// NewSQLiteStore opens (or creates) a SQLite database file.
func NewSQLiteStore(path string) (*DBStore, error) {
	store, err := open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between the scheduler and the workers
	store.db.(*sqlx.DB).SetMaxOpenConns(1)
	return store, nil
}

func open(driver, dsn string) (*DBStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &DBStore{db: db}, nil
}

func (s *DBStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &DBStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *DBStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *DBStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *DBStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func (s *DBStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.db.Rebind(query), args...)
}

// SaveRun inserts a new run (task instances are saved separately)
func (s *DBStore) SaveRun(r models.Run) error {
	_, err := s.exec("INSERT INTO runs ("+runColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.WorkflowID, r.Trigger, utc(r.LogicalDate), r.Status, utc(r.CreatedAt), utcPtr(r.StartedAt), utcPtr(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, including its task instances in execution order
func (s *DBStore) GetRun(id string) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, s.db.Rebind("SELECT "+runColumns+" FROM runs WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, err
	}

	err = s.db.Select(&run.Tasks, s.db.Rebind("SELECT "+taskInstanceColumns+" FROM task_instances WHERE run_id = ? ORDER BY position, task_id"), id)
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *DBStore) ListRuns(workflowID string, limit int) ([]models.Run, error) {
	runs := []models.Run{}
	query := "SELECT " + runColumns + " FROM runs WHERE workflow_id = ? ORDER BY created_at DESC"
	args := []interface{}{workflowID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if err := s.db.Select(&runs, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return runs, nil
}

// UpdateRun overwrites the mutable columns of a run
func (s *DBStore) UpdateRun(r models.Run) error {
	res, err := s.exec("UPDATE runs SET status = ?, started_at = ?, finished_at = ? WHERE id = ?",
		r.Status, utcPtr(r.StartedAt), utcPtr(r.FinishedAt), r.ID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// LastScheduledRun returns the scheduled run with the latest logical date
func (s *DBStore) LastScheduledRun(workflowID string) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, s.db.Rebind("SELECT "+runColumns+" FROM runs WHERE workflow_id = ? AND run_type = ? ORDER BY logical_date DESC LIMIT 1"),
		workflowID, models.ScheduledRunTrigger)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, err
	}
	return run, nil
}

func (s *DBStore) SaveTaskInstance(ti models.TaskInstance) error {
	_, err := s.exec("INSERT INTO task_instances ("+taskInstanceColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ti.RunID, ti.TaskID, ti.Position, ti.Status, ti.Attempts, ti.MaxRetries, ti.ExitCode, ti.ErrorMsg, utcPtr(ti.StartedAt), utcPtr(ti.FinishedAt))
	if err != nil {
		return fmt.Errorf("save task instance %s/%s: %w", ti.RunID, ti.TaskID, err)
	}
	return nil
}

func (s *DBStore) GetTaskInstance(runID, taskID string) (models.TaskInstance, error) {
	var ti models.TaskInstance
	err := s.db.Get(&ti, s.db.Rebind("SELECT "+taskInstanceColumns+" FROM task_instances WHERE run_id = ? AND task_id = ?"), runID, taskID)
	if err == sql.ErrNoRows {
		return models.TaskInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return models.TaskInstance{}, err
	}
	return ti, nil
}

func (s *DBStore) UpdateTaskInstance(ti models.TaskInstance) error {
	res, err := s.exec(`
		UPDATE task_instances
		SET status = ?,
		attempts = ?,
		exit_code = ?,
		error_msg = ?,
		started_at = ?,
		finished_at = ?
		WHERE run_id = ? AND task_id = ?`,
		ti.Status, ti.Attempts, ti.ExitCode, ti.ErrorMsg, utcPtr(ti.StartedAt), utcPtr(ti.FinishedAt), ti.RunID, ti.TaskID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := utc(*t)
	return &u
}
