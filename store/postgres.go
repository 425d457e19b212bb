package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
// Metric templates and result payloads live in JSONB columns.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Task Operations ---

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	template, err := json.Marshal(t.MetricTemplate)
	if err != nil {
		return fmt.Errorf("marshal metric template: %w", err)
	}
	query := `
		INSERT INTO tasks (id, name, datasource_id, datasource_type, metric_template, auto_update, projects, created_at, updated_at, created_user, updated_user)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Name, t.DatasourceID, t.DatasourceType, template,
		t.AutoUpdate, t.Projects, t.CreatedAt, t.UpdatedAt, t.CreatedUser, t.UpdatedUser,
	)
	return err
}

const taskColumns = `id, name, datasource_id, datasource_type, metric_template, auto_update, projects, created_at, updated_at, created_user, updated_user`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var template []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.DatasourceID, &t.DatasourceType, &template,
		&t.AutoUpdate, &t.Projects, &t.CreatedAt, &t.UpdatedAt, &t.CreatedUser, &t.UpdatedUser,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(template, &t.MetricTemplate); err != nil {
		return nil, fmt.Errorf("unmarshal metric template: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return scanTask(s.pool.QueryRow(ctx, query, id))
}

func (s *PostgresStore) GetTaskByName(ctx context.Context, name string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE name = $1`
	return scanTask(s.pool.QueryRow(ctx, query, name))
}

func (s *PostgresStore) GetTaskByDatasource(ctx context.Context, datasourceID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE datasource_id = $1`
	return scanTask(s.pool.QueryRow(ctx, query, datasourceID))
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}
	n := 0

	addArg := func(clause string, value interface{}) {
		n++
		args = append(args, value)
		query += fmt.Sprintf(clause, n)
	}

	if filter.NameContains != "" {
		addArg(" AND name LIKE '%%' || $%d || '%%'", filter.NameContains)
	}
	if filter.DatasourceType != "" {
		addArg(" AND datasource_type = $%d", filter.DatasourceType)
	}
	if filter.AutoUpdate != nil {
		addArg(" AND auto_update = $%d", *filter.AutoUpdate)
	}
	if len(filter.Projects) > 0 {
		addArg(" AND projects && $%d", filter.Projects)
	}
	if filter.CreatedAfter != nil {
		addArg(" AND created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		addArg(" AND created_at <= $%d", *filter.CreatedBefore)
	}
	if filter.UpdatedAfter != nil {
		addArg(" AND updated_at >= $%d", *filter.UpdatedAfter)
	}
	if filter.UpdatedBefore != nil {
		addArg(" AND updated_at <= $%d", *filter.UpdatedBefore)
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		addArg(" LIMIT $%d", filter.Limit)
	}
	if filter.Skip > 0 {
		addArg(" OFFSET $%d", filter.Skip)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTaskAutoUpdate(ctx context.Context, ids []string, autoUpdate bool, user string) (int, error) {
	query := `
		UPDATE tasks SET auto_update = $2, updated_at = NOW(), updated_user = $3
		WHERE id = ANY($1)
	`
	tag, err := s.pool.Exec(ctx, query, ids, autoUpdate, user)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) TouchTask(ctx context.Context, id string, user string) error {
	query := `UPDATE tasks SET updated_at = NOW(), updated_user = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, user)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("task not found")
	}
	return nil
}

func (s *PostgresStore) ListAutoUpdateTasks(ctx context.Context) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE auto_update = TRUE ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("task not found")
	}
	_, err = s.pool.Exec(ctx, `DELETE FROM task_versions WHERE task_id = $1`, id)
	return err
}

// --- Version Operations ---

const versionColumns = `id, task_id, version, status, metric_template, n_count, direction, sensitivity, results, error_message, created_at, updated_at, created_user, updated_user`

func (s *PostgresStore) CreateTaskVersion(ctx context.Context, v *TaskVersion) error {
	template, err := json.Marshal(v.MetricTemplate)
	if err != nil {
		return fmt.Errorf("marshal metric template: %w", err)
	}
	results, err := json.Marshal(v.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	query := `
		INSERT INTO task_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = s.pool.Exec(ctx, query,
		v.ID, v.TaskID, v.Version, v.Status, template, v.NCount, v.Direction,
		v.Sensitivity, results, v.ErrorMessage, v.CreatedAt, v.UpdatedAt, v.CreatedUser, v.UpdatedUser,
	)
	return err
}

func scanVersion(row pgx.Row) (*TaskVersion, error) {
	var v TaskVersion
	var template, results []byte
	err := row.Scan(
		&v.ID, &v.TaskID, &v.Version, &v.Status, &template, &v.NCount, &v.Direction,
		&v.Sensitivity, &results, &v.ErrorMessage, &v.CreatedAt, &v.UpdatedAt, &v.CreatedUser, &v.UpdatedUser,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(template, &v.MetricTemplate); err != nil {
		return nil, fmt.Errorf("unmarshal metric template: %w", err)
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &v.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	return &v, nil
}

func (s *PostgresStore) GetTaskVersion(ctx context.Context, taskID string, version int) (*TaskVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM task_versions WHERE task_id = $1 AND version = $2`
	return scanVersion(s.pool.QueryRow(ctx, query, taskID, version))
}

func (s *PostgresStore) LatestTaskVersion(ctx context.Context, taskID string) (*TaskVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM task_versions WHERE task_id = $1 ORDER BY version DESC LIMIT 1`
	return scanVersion(s.pool.QueryRow(ctx, query, taskID))
}

func (s *PostgresStore) ListTaskVersions(ctx context.Context, filter VersionFilter) ([]*TaskVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM task_versions WHERE 1=1`
	args := []interface{}{}
	n := 0

	addArg := func(clause string, value interface{}) {
		n++
		args = append(args, value)
		query += fmt.Sprintf(clause, n)
	}

	if filter.TaskID != "" {
		addArg(" AND task_id = $%d", filter.TaskID)
	}
	if filter.Status != "" {
		addArg(" AND status = $%d", filter.Status)
	}
	if filter.CreatedAfter != nil {
		addArg(" AND created_at >= $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		addArg(" AND created_at <= $%d", *filter.CreatedBefore)
	}
	if filter.UpdatedAfter != nil {
		addArg(" AND updated_at >= $%d", *filter.UpdatedAfter)
	}
	if filter.UpdatedBefore != nil {
		addArg(" AND updated_at <= $%d", *filter.UpdatedBefore)
	}

	query += " ORDER BY version DESC"
	if filter.Limit > 0 {
		addArg(" LIMIT $%d", filter.Limit)
	}
	if filter.Skip > 0 {
		addArg(" OFFSET $%d", filter.Skip)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*TaskVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *PostgresStore) UpdateTaskResult(ctx context.Context, taskID string, version int, status string, results []MetricThresholdResult, errorMessage string) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	// The status guard makes the terminal write idempotent: a version that
	// already finished is never rewritten by a retried callback.
	query := `
		UPDATE task_versions
		SET status = $3, results = $4, error_message = $5, updated_at = NOW()
		WHERE task_id = $1 AND version = $2 AND status NOT IN ('Success', 'Failed')
	`
	tag, err := s.pool.Exec(ctx, query, taskID, version, status, payload, errorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.GetTaskVersion(ctx, taskID, version)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.New("task version not found")
		}
		log.Printf("Task %s version %d already in terminal state %s, skipping update to %s", taskID, version, existing.Status, status)
	}
	return nil
}

func (s *PostgresStore) DeleteTaskVersions(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_versions WHERE task_id = $1`, taskID)
	return err
}

// --- Auto Refresh Operations ---

func (s *PostgresStore) CreateAutoRefreshRecord(ctx context.Context, r *AutoRefreshRecord) error {
	query := `
		INSERT INTO auto_refresh_records (id, task_all, status, created_at, updated_at, created_user, updated_user)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.TaskAll, r.Status, r.CreatedAt, r.UpdatedAt, r.CreatedUser, r.UpdatedUser,
	)
	return err
}

func (s *PostgresStore) LatestAutoRefreshRecord(ctx context.Context) (*AutoRefreshRecord, error) {
	query := `
		SELECT id, task_all, status, created_at, updated_at, created_user, updated_user
		FROM auto_refresh_records ORDER BY created_at DESC LIMIT 1
	`
	var r AutoRefreshRecord
	err := s.pool.QueryRow(ctx, query).Scan(
		&r.ID, &r.TaskAll, &r.Status, &r.CreatedAt, &r.UpdatedAt, &r.CreatedUser, &r.UpdatedUser,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) UpdateAutoRefreshRecordStatus(ctx context.Context, id string, status string, user string) error {
	query := `UPDATE auto_refresh_records SET status = $2, updated_at = NOW(), updated_user = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, status, user)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("auto refresh record not found")
	}
	return nil
}

func (s *PostgresStore) DeleteAutoRefreshRecord(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auto_refresh_records WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) CreateAutoRefreshDetail(ctx context.Context, d *AutoRefreshDetail) error {
	query := `
		INSERT INTO auto_refresh_details (id, record_id, task_id, task_version, status, calc_status, inject_status, created_at, updated_at, created_user, updated_user)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.RecordID, d.TaskID, d.TaskVersion, d.Status, d.CalcStatus, d.InjectStatus,
		d.CreatedAt, d.UpdatedAt, d.CreatedUser, d.UpdatedUser,
	)
	return err
}

func (s *PostgresStore) ListAutoRefreshDetails(ctx context.Context, recordID string, excludeCompleted bool) ([]*AutoRefreshDetail, error) {
	query := `
		SELECT id, record_id, task_id, task_version, status, calc_status, inject_status, created_at, updated_at, created_user, updated_user
		FROM auto_refresh_details WHERE record_id = $1
	`
	if excludeCompleted {
		query += ` AND status <> 'Completed'`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []*AutoRefreshDetail
	for rows.Next() {
		var d AutoRefreshDetail
		if err := rows.Scan(
			&d.ID, &d.RecordID, &d.TaskID, &d.TaskVersion, &d.Status, &d.CalcStatus, &d.InjectStatus,
			&d.CreatedAt, &d.UpdatedAt, &d.CreatedUser, &d.UpdatedUser,
		); err != nil {
			return nil, err
		}
		details = append(details, &d)
	}
	return details, rows.Err()
}

func (s *PostgresStore) UpdateAutoRefreshDetail(ctx context.Context, d *AutoRefreshDetail) error {
	query := `
		UPDATE auto_refresh_details
		SET task_version = $2, status = $3, calc_status = $4, inject_status = $5, updated_at = NOW(), updated_user = $6
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query, d.ID, d.TaskVersion, d.Status, d.CalcStatus, d.InjectStatus, d.UpdatedUser)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("auto refresh detail not found")
	}
	return nil
}

func (s *PostgresStore) DeleteAutoRefreshDetails(ctx context.Context, recordID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM auto_refresh_details WHERE record_id = $1`, recordID)
	return err
}

func (s *PostgresStore) CountProcessingDetails(ctx context.Context, recordID string) (int, error) {
	query := `SELECT COUNT(*) FROM auto_refresh_details WHERE record_id = $1 AND status = 'Processing'`
	var count int
	err := s.pool.QueryRow(ctx, query, recordID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// --- Alarm Sync Operations ---

func (s *PostgresStore) CreateAlarmSyncRecord(ctx context.Context, r *AlarmSyncRecord) error {
	query := `
		INSERT INTO alarm_sync_records (id, task_id, contact_group_ids, alert_methods, alarm_level, webhook, created_at, updated_at, created_user, updated_user)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.TaskID, r.ContactGroupIDs, r.AlertMethods, r.AlarmLevel, r.Webhook,
		r.CreatedAt, r.UpdatedAt, r.CreatedUser, r.UpdatedUser,
	)
	return err
}

func (s *PostgresStore) LatestAlarmSyncRecord(ctx context.Context, taskID string) (*AlarmSyncRecord, error) {
	query := `
		SELECT id, task_id, contact_group_ids, alert_methods, alarm_level, webhook, created_at, updated_at, created_user, updated_user
		FROM alarm_sync_records WHERE task_id = $1 ORDER BY created_at DESC LIMIT 1
	`
	var r AlarmSyncRecord
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&r.ID, &r.TaskID, &r.ContactGroupIDs, &r.AlertMethods, &r.AlarmLevel, &r.Webhook,
		&r.CreatedAt, &r.UpdatedAt, &r.CreatedUser, &r.UpdatedUser,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
