package sweep

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"DustSweep/deploy/migrations"
	xerrors "DustSweep/internal/errors"
)

// MySQLStore persists sweeps and dust tokens in MySQL.
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore opens the database and applies the embedded migrations.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN is required")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open MySQL")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping MySQL")
	}

	store := &MySQLStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	stmts, err := migrations.Statements()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load migrations")
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply migration")
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateSweep inserts a new sweep.
func (s *MySQLStore) CreateSweep(ctx context.Context, sw *Sweep) error {
	if sw == nil || strings.TrimSpace(sw.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "sweep id is required")
	}
	now := s.now().UTC()
	if sw.Status == "" {
		sw.Status = StatusPending
	}
	sw.CreatedAt, sw.UpdatedAt = now, now

	txHashes, err := marshalHashes(sw.TxHashes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode tx hashes")
	}
	userOps, err := marshalHashes(sw.UserOpHashes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode user op hashes")
	}

	const stmt = `INSERT INTO sweeps
        (id, wallet_address, status, tx_hashes, user_op_hashes, error_message, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		sw.ID, sw.WalletAddress, sw.Status, txHashes, userOps, sw.ErrorMessage,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeInvalidArgument, "sweep "+sw.ID+" already exists")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert sweep")
	}
	return nil
}

// GetSweep loads one sweep.
func (s *MySQLStore) GetSweep(ctx context.Context, id string) (*Sweep, error) {
	const stmt = `SELECT id, wallet_address, status, tx_hashes, user_op_hashes, error_message,
        created_at, updated_at, completed_at FROM sweeps WHERE id = ?`

	var (
		sw                   Sweep
		txHashes, userOps    sql.NullString
		errorMessage         sql.NullString
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&sw.ID, &sw.WalletAddress, &sw.Status, &txHashes, &userOps, &errorMessage,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query sweep")
	}
	if sw.TxHashes, err = unmarshalHashes(txHashes); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode tx hashes")
	}
	if sw.UserOpHashes, err = unmarshalHashes(userOps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode user op hashes")
	}
	sw.ErrorMessage = errorMessage.String
	sw.CreatedAt = time.UnixMilli(createdAt).UTC()
	sw.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		sw.CompletedAt = &t
	}
	return &sw, nil
}

// UpdateSweep applies u with a single conditional UPDATE. A status change only
// matches rows whose current status may legally precede it.
func (s *MySQLStore) UpdateSweep(ctx context.Context, id string, u Update) error {
	stmt, args, err := buildUpdate(id, u, s.now().UTC())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update sweep")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if affected > 0 {
		return nil
	}

	current, err := s.GetSweep(ctx, id)
	if err != nil {
		return err
	}
	if u.Status != nil && !CanTransition(current.Status, *u.Status) {
		return errTransition(id, current.Status, *u.Status)
	}
	return nil
}

func buildUpdate(id string, u Update, now time.Time) (string, []any, error) {
	sets := []string{"updated_at = ?"}
	args := []any{now.UnixMilli()}

	if u.Status != nil {
		if !u.Status.Valid() {
			return "", nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown status "+string(*u.Status))
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.TxHashes != nil {
		raw, err := marshalHashes(u.TxHashes)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode tx hashes")
		}
		sets = append(sets, "tx_hashes = ?")
		args = append(args, raw)
	}
	if u.UserOpHashes != nil {
		raw, err := marshalHashes(u.UserOpHashes)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode user op hashes")
		}
		sets = append(sets, "user_op_hashes = ?")
		args = append(args, raw)
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, u.CompletedAt.UnixMilli())
	}

	stmt := "UPDATE sweeps SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if u.Status != nil {
		allowed := predecessors(*u.Status)
		if len(allowed) == 0 {
			return "", nil, xerrors.New(CodeInvalidTransition, fmt.Sprintf("sweep %s cannot move to %s", id, *u.Status))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(allowed)), ", ")
		stmt += " AND status IN (" + placeholders + ")"
		for _, st := range allowed {
			args = append(args, string(st))
		}
	}
	return stmt, args, nil
}

// UpsertDustToken records a balance without touching the swept marker.
func (s *MySQLStore) UpsertDustToken(ctx context.Context, t DustToken) error {
	key := normaliseKey(t.Key())
	const stmt = `INSERT INTO dust_tokens (wallet_address, chain, token_address, amount, swept, updated_at)
        VALUES (?, ?, ?, ?, 0, ?)
        ON DUPLICATE KEY UPDATE amount = VALUES(amount), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, key.WalletAddress, key.Chain, key.TokenAddress, t.Amount, s.now().UnixMilli()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert dust token")
	}
	return nil
}

// GetDustToken loads one token.
func (s *MySQLStore) GetDustToken(ctx context.Context, key TokenKey) (*DustToken, error) {
	key = normaliseKey(key)
	const stmt = `SELECT wallet_address, chain, token_address, amount, swept, sweep_id
        FROM dust_tokens WHERE wallet_address = ? AND chain = ? AND token_address = ?`
	var (
		t       DustToken
		sweepID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, stmt, key.WalletAddress, key.Chain, key.TokenAddress).
		Scan(&t.WalletAddress, &t.Chain, &t.TokenAddress, &t.Amount, &t.Swept, &sweepID)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "dust token not found")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query dust token")
	}
	t.SweepID = sweepID.String
	return &t, nil
}

// ListDustTokens returns the wallet's tokens, or every wallet's when wallet is
// empty.
func (s *MySQLStore) ListDustTokens(ctx context.Context, wallet string, includeSwept bool) ([]DustToken, error) {
	stmt, args := listTokensQuery(normaliseKey(TokenKey{WalletAddress: wallet}).WalletAddress, includeSwept)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list dust tokens")
	}
	defer rows.Close()

	var out []DustToken
	for rows.Next() {
		var (
			t       DustToken
			sweepID sql.NullString
		)
		if err := rows.Scan(&t.WalletAddress, &t.Chain, &t.TokenAddress, &t.Amount, &t.Swept, &sweepID); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan dust token")
		}
		t.SweepID = sweepID.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate dust tokens")
	}
	return out, nil
}

func listTokensQuery(wallet string, includeSwept bool) (string, []any) {
	stmt := `SELECT wallet_address, chain, token_address, amount, swept, sweep_id
        FROM dust_tokens`
	var (
		where []string
		args  []any
	)
	if wallet != "" {
		where = append(where, "wallet_address = ?")
		args = append(args, wallet)
	}
	if !includeSwept {
		where = append(where, "swept = 0")
	}
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	return stmt + " ORDER BY chain, token_address, wallet_address", args
}

// MarkTokenSwept sets the swept marker once.
func (s *MySQLStore) MarkTokenSwept(ctx context.Context, key TokenKey, sweepID string) error {
	key = normaliseKey(key)
	const stmt = `UPDATE dust_tokens SET swept = 1, sweep_id = ?, updated_at = ?
        WHERE wallet_address = ? AND chain = ? AND token_address = ? AND swept = 0`
	res, err := s.db.ExecContext(ctx, stmt, sweepID, s.now().UnixMilli(), key.WalletAddress, key.Chain, key.TokenAddress)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "mark token swept")
	}
	if affected, err := res.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

	existing, err := s.GetDustToken(ctx, key)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return nil
		}
		return err
	}
	if existing.Swept && existing.SweepID != sweepID {
		return errTokenConflict(key, existing.SweepID)
	}
	return nil
}

// Stats aggregates sweeps by status in one query.
func (s *MySQLStore) Stats(ctx context.Context, wallet string) (Stats, error) {
	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS signing,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS submitted,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS confirmed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM sweeps`
	args := []any{string(StatusPending), string(StatusSigning), string(StatusSubmitted), string(StatusConfirmed), string(StatusFailed)}
	if wallet = strings.TrimSpace(wallet); wallet != "" {
		query += " WHERE wallet_address = ?"
		args = append(args, wallet)
	}

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Signing,
		&stats.Submitted,
		&stats.Confirmed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query sweep stats")
	}
	return stats, nil
}

func marshalHashes(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalHashes(v sql.NullString) (map[string]string, error) {
	out := map[string]string{}
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("decode hashes: %w", err)
	}
	return out, nil
}

var _ Store = (*MySQLStore)(nil)
