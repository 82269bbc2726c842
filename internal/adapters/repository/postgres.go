package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/poyrazK/quotagate/internal/core/domain"
)

// Schema is the DDL the repository expects. It is idempotent.
//
//go:embed schema.sql
var Schema string

const pgUniqueViolation = "23505"

// PostgresRepository implements ports.Repository using PostgreSQL.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates and returns a new PostgresRepository instance.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate applies Schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Stats exposes the pool statistics for the connection gauge.
func (r *PostgresRepository) Stats() sql.DBStats {
	return r.db.Stats()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func closeRows(rows *sql.Rows) {
	if errClose := rows.Close(); errClose != nil {
		log.Printf("failed to close rows: %v", errClose)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `INSERT INTO users (id, email, name, plan, password_hash, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.ExecContext(ctx, query, user.ID, user.Email, user.Name, string(user.Plan), user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.NewConflictError("email already registered")
	}
	return err
}

const userColumns = `id, email, name, plan, password_hash, created_at, updated_at`

func (r *PostgresRepository) getUser(ctx context.Context, where string, arg string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	var u domain.User
	var plan string
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &plan, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Plan = domain.Plan(plan)
	return &u, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return r.getUser(ctx, `id = $1`, id)
}

func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getUser(ctx, `LOWER(email) = LOWER($1)`, email)
}

func (r *PostgresRepository) UpdateUserPlan(ctx context.Context, id string, plan domain.Plan) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET plan = $1, updated_at = NOW() WHERE id = $2`, string(plan), id)
	if err != nil {
		return err
	}
	return requireRow(res, "user")
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NewNotFoundError(what)
	}
	return nil
}

const apiKeyColumns = `id, user_id, name, key_hash, key_preview, permissions, rate_limit, is_active, last_used_at, expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var k domain.APIKey
	var perms string
	var lastUsed, expires sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPreview, &perms, &k.RateLimit, &k.Active, &lastUsed, &expires, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	k.Permissions = domain.ParsePermissions(perms)
	k.LastUsedAt = timePtr(lastUsed)
	k.ExpiresAt = timePtr(expires)
	return &k, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAPIKey(ctx context.Context, db execer, key *domain.APIKey) error {
	query := `INSERT INTO api_keys (` + apiKeyColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := db.ExecContext(ctx, query, key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPreview,
		domain.JoinPermissions(key.Permissions), key.RateLimit, key.Active,
		nullTime(key.LastUsedAt), nullTime(key.ExpiresAt), key.CreatedAt, key.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.NewConflictError("API key hash already exists")
	}
	return err
}

func (r *PostgresRepository) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return insertAPIKey(ctx, r.db, key)
}

// CreateAPIKeyWithinLimit locks the owner's user row so concurrent creates for
// the same user serialise on the count.
func (r *PostgresRepository) CreateAPIKeyWithinLimit(ctx context.Context, key *domain.APIKey, maxActive int) error {
	if maxActive < 0 {
		return insertAPIKey(ctx, r.db, key)
	}

	tx, errTx := r.db.BeginTx(ctx, nil)
	if errTx != nil {
		return errTx
	}
	defer func() {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			log.Printf("failed to rollback transaction: %v", errRollback)
		}
	}()

	var owner string
	err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, key.UserID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewNotFoundError("user")
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}

	var active int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND is_active = TRUE`, key.UserID).Scan(&active); err != nil {
		return fmt.Errorf("count active keys: %w", err)
	}
	if active >= maxActive {
		return domain.ErrKeyLimitReached
	}

	if err := insertAPIKey(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (r *PostgresRepository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

func (r *PostgresRepository) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var keys []domain.APIKey
	for rows.Next() {
		k, errScan := scanAPIKey(rows)
		if errScan != nil {
			return nil, errScan
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (r *PostgresRepository) CountActiveAPIKeys(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND is_active = TRUE`, userID).Scan(&n)
	return n, err
}

func (r *PostgresRepository) DeactivateAPIKey(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "API key")
}

func (r *PostgresRepository) RotateAPIKey(ctx context.Context, oldID string, replacement *domain.APIKey) error {
	tx, errTx := r.db.BeginTx(ctx, nil)
	if errTx != nil {
		return errTx
	}
	defer func() {
		if errRollback := tx.Rollback(); errRollback != nil && !errors.Is(errRollback, sql.ErrTxDone) {
			log.Printf("failed to rollback transaction: %v", errRollback)
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE api_keys SET is_active = FALSE, updated_at = NOW() WHERE id = $1 AND is_active = TRUE`, oldID)
	if err != nil {
		return fmt.Errorf("deactivate old key: %w", err)
	}
	if n, errRows := res.RowsAffected(); errRows != nil {
		return errRows
	} else if n == 0 {
		return domain.NewConflictError("API key was revoked concurrently")
	}

	if err := insertAPIKey(ctx, tx, replacement); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "API key")
}

func (r *PostgresRepository) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at, id)
	return err
}

func (r *PostgresRepository) CreateUsageRecord(ctx context.Context, rec *domain.UsageRecord) error {
	query := `INSERT INTO usage_records (id, api_key_id, user_id, endpoint, method, status_code, response_time_ms, requested_at, ip_address, user_agent, error_message)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.ExecContext(ctx, query, rec.ID, rec.APIKeyID, rec.UserID, rec.Endpoint, rec.Method, rec.StatusCode,
		rec.ResponseTimeMs, rec.Timestamp, nullString(rec.IPAddress), nullString(rec.UserAgent), nullString(rec.ErrorMessage))
	return err
}

func (r *PostgresRepository) CountUsage(ctx context.Context, apiKeyID string, since time.Time) (int64, error) {
	var n int64
	var err error
	if since.IsZero() {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records WHERE api_key_id = $1`, apiKeyID).Scan(&n)
	} else {
		err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records WHERE api_key_id = $1 AND requested_at >= $2`, apiKeyID, since).Scan(&n)
	}
	return n, err
}

func (r *PostgresRepository) CountUsageErrors(ctx context.Context, apiKeyID string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records WHERE api_key_id = $1 AND status_code >= 400`, apiKeyID).Scan(&n)
	return n, err
}

func (r *PostgresRepository) LastUsage(ctx context.Context, apiKeyID string) (*time.Time, error) {
	var last sql.NullTime
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(requested_at) FROM usage_records WHERE api_key_id = $1`, apiKeyID).Scan(&last); err != nil {
		return nil, err
	}
	return timePtr(last), nil
}

func (r *PostgresRepository) AverageLatency(ctx context.Context, apiKeyID string) (float64, error) {
	var avg float64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(response_time_ms), 0)::float8 FROM usage_records WHERE api_key_id = $1`, apiKeyID).Scan(&avg)
	return avg, err
}

func (r *PostgresRepository) TopEndpoints(ctx context.Context, apiKeyID string, limit int) ([]domain.EndpointStats, error) {
	query := `SELECT endpoint, method, COUNT(*) AS requests, AVG(response_time_ms)::float8,
	                 COUNT(*) FILTER (WHERE status_code >= 400)
	          FROM usage_records WHERE api_key_id = $1
	          GROUP BY endpoint, method
	          ORDER BY requests DESC, endpoint, method
	          LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, apiKeyID, limit)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var out []domain.EndpointStats
	for rows.Next() {
		var s domain.EndpointStats
		if errScan := rows.Scan(&s.Endpoint, &s.Method, &s.Count, &s.AverageLatency, &s.ErrorCount); errScan != nil {
			return nil, errScan
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) StatusCodeDistribution(ctx context.Context, apiKeyID string) (map[int]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status_code, COUNT(*) FROM usage_records WHERE api_key_id = $1 GROUP BY status_code`, apiKeyID)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	out := make(map[int]int64)
	for rows.Next() {
		var code int
		var n int64
		if errScan := rows.Scan(&code, &n); errScan != nil {
			return nil, errScan
		}
		out[code] = n
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DailyUsage(ctx context.Context, apiKeyID string, since time.Time) ([]domain.DailyUsage, error) {
	query := `SELECT to_char(requested_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*),
	                 COUNT(*) FILTER (WHERE status_code >= 400), AVG(response_time_ms)::float8
	          FROM usage_records WHERE api_key_id = $1 AND requested_at >= $2
	          GROUP BY day
	          ORDER BY day ASC`
	rows, err := r.db.QueryContext(ctx, query, apiKeyID, since)
	if err != nil {
		return nil, err
	}
	defer closeRows(rows)

	var out []domain.DailyUsage
	for rows.Next() {
		var d domain.DailyUsage
		if errScan := rows.Scan(&d.Date, &d.Requests, &d.Errors, &d.AverageLatency); errScan != nil {
			return nil, errScan
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM usage_records WHERE requested_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
