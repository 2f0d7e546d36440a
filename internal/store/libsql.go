package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/autoflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/autoflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) ([]int, error) {
	return runMigrations(ctx, s.db)
}

// Ping checks the database answers.
func (s *LibSQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Workflow definitions ---

const definitionColumns = `id, tenant_id, name, description, trigger_type, trigger_config, conditions, active, deleted, created_at, updated_at`

// CreateDefinition stores a definition and its steps in one transaction.
// Missing IDs are generated.
func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	cfg, err := marshalMapOrDefault(def.TriggerConfig)
	if err != nil {
		return fmt.Errorf("marshal trigger_config: %w", err)
	}
	var conds any
	if def.Conditions != nil {
		b, err := json.Marshal(def.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions: %w", err)
		}
		conds = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.TenantID, def.Name, nullStr(def.Description), string(def.TriggerType), string(cfg), conds,
		boolInt(def.Active), boolInt(def.Deleted), toMillis(def.CreatedAt), toMillis(def.UpdatedAt),
	)
	if err != nil {
		return conflictOr(err, "workflow definition", def.ID)
	}

	for i := range def.Steps {
		st := &def.Steps[i]
		if st.ID == "" {
			st.ID = uuid.NewString()
		}
		st.WorkflowID = def.ID
		stepCfg, err := st.ConfigJSON()
		if err != nil {
			return fmt.Errorf("marshal action_config for step %d: %w", st.Order, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO step_definitions (id, workflow_id, name, step_order, action_kind, action_config, delay_minutes)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, def.ID, nullStr(st.Name), st.Order, string(st.ActionKind), string(stepCfg), st.DelayMinutes,
		)
		if err != nil {
			return conflictOr(err, "step definition", fmt.Sprintf("%s#%d", def.ID, st.Order))
		}
	}
	return tx.Commit()
}

// GetDefinition returns a definition with its steps ordered by step order.
// Soft-deleted definitions are returned with Deleted set.
func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow definition", id)
	}
	if err != nil {
		return nil, err
	}
	steps, err := s.ListStepDefinitions(ctx, id)
	if err != nil {
		return nil, err
	}
	def.Steps = steps
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.TriggerType != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.TriggerType))
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}

	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	query += limitOffset(filter.Limit, filter.Offset)

	defs, err := s.queryDefinitions(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if filter.WithSteps {
		for _, def := range defs {
			if def.Steps, err = s.ListStepDefinitions(ctx, def.ID); err != nil {
				return nil, err
			}
		}
	}
	return defs, nil
}

// queryDefinitions fully drains rows before returning: the pool has a
// single connection.
func (s *LibSQLStore) queryDefinitions(ctx context.Context, query string, args ...any) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET active = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
		boolInt(active), nowMillis(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

// SoftDeleteDefinition flags a definition deleted and inactive. Existing
// executions keep running against its steps.
func (s *LibSQLStore) SoftDeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET deleted = 1, active = 0, updated_at = ? WHERE id = ? AND deleted = 0`,
		nowMillis(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow definition", id)
}

func (s *LibSQLStore) ListStepDefinitions(ctx context.Context, workflowID string) ([]schema.StepDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, name, step_order, action_kind, action_config, delay_minutes
		 FROM step_definitions WHERE workflow_id = ? ORDER BY step_order ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.StepDefinition
	for rows.Next() {
		var st schema.StepDefinition
		var name sql.NullString
		var kind, cfg string
		if err := rows.Scan(&st.ID, &st.WorkflowID, &name, &st.Order, &kind, &cfg, &st.DelayMinutes); err != nil {
			return nil, err
		}
		st.Name = name.String
		st.ActionKind = schema.ActionKind(kind)
		if st.ActionConfig, err = unmarshalMap(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal action_config of step %s: %w", st.ID, err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var (
		desc, conds          sql.NullString
		triggerType, cfg     string
		active, deleted      int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&def.ID, &def.TenantID, &def.Name, &desc, &triggerType, &cfg, &conds,
		&active, &deleted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	def.Description = desc.String
	def.TriggerType = schema.TriggerType(triggerType)
	def.Active = active != 0
	def.Deleted = deleted != 0
	def.CreatedAt = fromMillis(createdAt)
	def.UpdatedAt = fromMillis(updatedAt)

	var err error
	if def.TriggerConfig, err = unmarshalMap(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_config of %s: %w", def.ID, err)
	}
	if conds.Valid && conds.String != "" {
		def.Conditions = &schema.Condition{}
		if err := json.Unmarshal([]byte(conds.String), def.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions of %s: %w", def.ID, err)
		}
	}
	return def, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, tenant_id, trigger_type, trigger_data, status, error_message, started_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution, events ...*Event) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = schema.ExecutionPending
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = exec.CreatedAt

	data, err := marshalMapOrDefault(exec.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.TenantID, string(exec.TriggerType), string(data), string(exec.Status),
		nullStr(exec.Error), nullMillis(exec.StartedAt), nullMillis(exec.CompletedAt),
		toMillis(exec.CreatedAt), toMillis(exec.UpdatedAt),
	)
	if err != nil {
		return conflictOr(err, "execution", exec.ID)
	}
	if err := appendEventsTx(ctx, tx, exec.ID, events); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// TransitionExecution applies a conditional status change. Zero affected
// rows means the execution is missing or not in an allowed source state.
func (s *LibSQLStore) TransitionExecution(ctx context.Context, t ExecutionTransition, events ...*Event) error {
	if len(t.From) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "transition needs at least one source status")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := transitionExecutionTx(ctx, tx, t); err != nil {
		return err
	}
	if err := appendEventsTx(ctx, tx, t.ExecutionID, events); err != nil {
		return err
	}
	return tx.Commit()
}

func transitionExecutionTx(ctx context.Context, tx *sql.Tx, t ExecutionTransition) error {
	at := toMillis(timeOrNow(t.At))
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), at}
	switch {
	case t.To == schema.ExecutionRunning:
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, at)
	case t.To.Terminal():
		sets = append(sets, "completed_at = ?")
		args = append(args, at)
	}
	if t.Error != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, t.Error)
	}

	placeholders := make([]string, len(t.From))
	args = append(args, t.ExecutionID)
	for i, from := range t.From {
		placeholders[i] = "?"
		args = append(args, string(from))
	}

	query := fmt.Sprintf(`UPDATE workflow_executions SET %s WHERE id = ? AND status IN (%s)`,
		strings.Join(sets, ", "), strings.Join(placeholders, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM workflow_executions WHERE id = ?`, t.ExecutionID).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", t.ExecutionID)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"execution %s is %s, cannot move to %s", t.ExecutionID, current, t.To).
		WithDetails(map[string]any{"execution_id": t.ExecutionID, "from": current, "to": string(t.To)})
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		triggerType, data, status string
		errMsg                    sql.NullString
		startedAt, completedAt    sql.NullInt64
		createdAt, updatedAt      int64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.TenantID, &triggerType, &data, &status, &errMsg,
		&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.TriggerType = schema.TriggerType(triggerType)
	e.Status = schema.ExecutionStatus(status)
	e.Error = errMsg.String
	e.StartedAt = millisPtr(startedAt)
	e.CompletedAt = millisPtr(completedAt)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	var err error
	if e.TriggerData, err = unmarshalMap(data); err != nil {
		return nil, fmt.Errorf("unmarshal trigger_data of %s: %w", e.ID, err)
	}
	return e, nil
}

// --- Step executions ---

const stepColumns = `id, execution_id, step_definition_id, step_order, action_kind, status, scheduled_at, result, error_message, started_at, completed_at, created_at`

// StartExecution moves a pending execution to running and inserts its first
// pending step execution in the same transaction.
func (s *LibSQLStore) StartExecution(ctx context.Context, executionID string, first *StepExecution, at time.Time, events ...*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := transitionExecutionTx(ctx, tx, ExecutionTransition{
		ExecutionID: executionID,
		From:        []schema.ExecutionStatus{schema.ExecutionPending},
		To:          schema.ExecutionRunning,
		At:          at,
	}); err != nil {
		return err
	}
	first.ExecutionID = executionID
	if err := insertStepTx(ctx, tx, first); err != nil {
		return err
	}
	if err := appendEventsTx(ctx, tx, executionID, events); err != nil {
		return err
	}
	return tx.Commit()
}

// DueSteps returns pending step executions due at or before now whose
// execution is running, oldest due first.
func (s *LibSQLStore) DueSteps(ctx context.Context, now time.Time, limit int) ([]*StepExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixed("se", stepColumns)+`
		 FROM step_executions se
		 JOIN workflow_executions we ON we.id = se.execution_id
		 WHERE se.status = ? AND se.scheduled_at IS NOT NULL AND se.scheduled_at <= ? AND we.status = ?
		 ORDER BY se.scheduled_at ASC, se.id ASC
		 LIMIT ?`,
		string(schema.StepPending), toMillis(now), string(schema.ExecutionRunning), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

// StalledExecutions returns pending executions created at or before
// before that have no step rows yet: their start was interrupted after the
// execution row was written. Oldest first.
func (s *LibSQLStore) StalledExecutions(ctx context.Context, before time.Time, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+`
		 FROM workflow_executions we
		 WHERE we.status = ? AND we.created_at <= ?
		   AND NOT EXISTS (SELECT 1 FROM step_executions se WHERE se.execution_id = we.id)
		 ORDER BY we.created_at ASC, we.id ASC
		 LIMIT ?`,
		string(schema.ExecutionPending), toMillis(before), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

// ClaimStep flips a pending step to running if, and only if, it is still
// pending and its execution is still running. Exactly one caller wins.
func (s *LibSQLStore) ClaimStep(ctx context.Context, id string, at time.Time, events ...*Event) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, started_at = ?
		 WHERE id = ? AND status = ?
		   AND EXISTS (SELECT 1 FROM workflow_executions we
		               WHERE we.id = step_executions.execution_id AND we.status = ?)`,
		string(schema.StepRunning), toMillis(timeOrNow(at)), id, string(schema.StepPending), string(schema.ExecutionRunning),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if len(events) > 0 {
		var execID string
		if err := tx.QueryRowContext(ctx, `SELECT execution_id FROM step_executions WHERE id = ?`, id).Scan(&execID); err != nil {
			return false, err
		}
		if err := appendEventsTx(ctx, tx, execID, events); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LibSQLStore) CompleteStep(ctx context.Context, c StepCompletion) (schema.ExecutionStatus, error) {
	result, err := marshalMapOrDefault(c.Result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	at := timeOrNow(c.At)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := finishStepTx(ctx, tx, c.StepID, schema.StepCompleted, string(result), "", at); err != nil {
		return "", err
	}
	if err := appendEventsTx(ctx, tx, c.ExecutionID, c.StepEvents); err != nil {
		return "", err
	}

	status, err := executionStatusTx(ctx, tx, c.ExecutionID)
	if err != nil {
		return "", err
	}
	// A run cancelled while its step was in flight keeps the step's result
	// but chains nothing.
	if status == schema.ExecutionRunning {
		if c.Next != nil {
			c.Next.ExecutionID = c.ExecutionID
			if err := insertStepTx(ctx, tx, c.Next); err != nil {
				return "", err
			}
		} else {
			if err := transitionExecutionTx(ctx, tx, ExecutionTransition{
				ExecutionID: c.ExecutionID,
				From:        []schema.ExecutionStatus{schema.ExecutionRunning},
				To:          schema.ExecutionCompleted,
				At:          at,
			}); err != nil {
				return "", err
			}
			status = schema.ExecutionCompleted
		}
		if err := appendEventsTx(ctx, tx, c.ExecutionID, c.ChainEvents); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

func (s *LibSQLStore) FailStep(ctx context.Context, f StepFailure) (schema.ExecutionStatus, error) {
	at := timeOrNow(f.At)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := finishStepTx(ctx, tx, f.StepID, schema.StepFailed, nil, f.Error, at); err != nil {
		return "", err
	}
	if err := appendEventsTx(ctx, tx, f.ExecutionID, f.StepEvents); err != nil {
		return "", err
	}

	status, err := executionStatusTx(ctx, tx, f.ExecutionID)
	if err != nil {
		return "", err
	}
	if status == schema.ExecutionRunning {
		if err := transitionExecutionTx(ctx, tx, ExecutionTransition{
			ExecutionID: f.ExecutionID,
			From:        []schema.ExecutionStatus{schema.ExecutionRunning},
			To:          schema.ExecutionFailed,
			Error:       f.Error,
			At:          at,
		}); err != nil {
			return "", err
		}
		status = schema.ExecutionFailed
		if err := appendEventsTx(ctx, tx, f.ExecutionID, f.ExecutionEvents); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

func finishStepTx(ctx context.Context, tx *sql.Tx, id string, to schema.StepStatus, result any, errMsg string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, result = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), result, nullStr(errMsg), toMillis(at), id, string(schema.StepRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step execution %s is not running, cannot move to %s", id, to).WithStep(id)
	}
	return nil
}

func executionStatusTx(ctx context.Context, tx *sql.Tx, id string) (schema.ExecutionStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM workflow_executions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", storeNotFound("execution", id)
	}
	return schema.ExecutionStatus(status), err
}

func insertStepTx(ctx context.Context, tx *sql.Tx, st *StepExecution) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = schema.StepPending
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	var result any
	if st.Result != nil {
		b, err := json.Marshal(st.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = string(b)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO step_executions (`+stepColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ExecutionID, st.StepDefinitionID, st.StepOrder, string(st.ActionKind), string(st.Status),
		nullMillis(st.ScheduledAt), result, nullStr(st.Error), nullMillis(st.StartedAt), nullMillis(st.CompletedAt),
		toMillis(st.CreatedAt),
	)
	if err != nil {
		return conflictOr(err, "step execution", st.ExecutionID+"/"+st.StepDefinitionID)
	}
	return nil
}

func (s *LibSQLStore) GetStepExecution(ctx context.Context, id string) (*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM step_executions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	steps, err := scanSteps(rows)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, storeNotFound("step execution", id)
	}
	return steps[0], nil
}

// ListStepExecutions returns an execution's step runs in step order.
func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM step_executions WHERE execution_id = ? ORDER BY step_order ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func scanSteps(rows *sql.Rows) ([]*StepExecution, error) {
	var out []*StepExecution
	for rows.Next() {
		st := &StepExecution{}
		var (
			kind, status                        string
			result, errMsg                      sql.NullString
			scheduledAt, startedAt, completedAt sql.NullInt64
			createdAt                           int64
		)
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.StepDefinitionID, &st.StepOrder, &kind, &status,
			&scheduledAt, &result, &errMsg, &startedAt, &completedAt, &createdAt); err != nil {
			return nil, err
		}
		st.ActionKind = schema.ActionKind(kind)
		st.Status = schema.StepStatus(status)
		st.ScheduledAt = millisPtr(scheduledAt)
		st.StartedAt = millisPtr(startedAt)
		st.CompletedAt = millisPtr(completedAt)
		st.CreatedAt = fromMillis(createdAt)
		st.Error = errMsg.String
		if result.Valid && result.String != "" {
			m, err := unmarshalMap(result.String)
			if err != nil {
				return nil, fmt.Errorf("unmarshal result of %s: %w", st.ID, err)
			}
			st.Result = m
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// conflictOr maps unique-constraint violations to CONFLICT.
func conflictOr(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY") {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id).WithCause(err)
	}
	return err
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	q := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return q
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Timestamps are stored as Unix milliseconds so comparisons never depend
// on driver time formatting.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nowMillis() int64 { return toMillis(time.Now()) }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
