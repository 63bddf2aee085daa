package database

import (
	"database/sql"
	"fmt"
	"time"

	"lstapp/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// Settlement statuses
	StatusCompleted = "completed"
)

// Database is the SQLite journal of settled deposits and redemptions. It is
// what keeps idempotency across restarts; the intent ledger and event log
// stay in memory.
type Database struct {
	db *sql.DB
}

// New opens the database at dbPath and initializes the schema
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// sqlite serializes writers anyway, and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
			signature TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			sol_amount INTEGER NOT NULL,
			ratio TEXT NOT NULL,
			issued INTEGER NOT NULL,
			mint_tx TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS redemptions (
			burn_signature TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			token_amount INTEGER NOT NULL,
			sol_amount INTEGER NOT NULL,
			ratio TEXT NOT NULL,
			payout_tx TEXT,
			state TEXT NOT NULL,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_redemptions_state ON redemptions(state)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query: %w\nQuery: %s", err, query)
		}
	}

	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying database connection
func (d *Database) DB() *sql.DB {
	return d.db
}

// HasSettlement reports whether a deposit signature was already settled
func (d *Database) HasSettlement(signature string) (bool, error) {
	var n int
	err := d.db.QueryRow("SELECT COUNT(*) FROM settlements WHERE signature = ?", signature).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query settlement: %w", err)
	}
	return n > 0, nil
}

// RecordSettlement stores a completed settlement. Recording the same
// signature twice keeps the first row.
func (d *Database) RecordSettlement(rec model.SettlementRecord) error {
	stmt, err := d.db.Prepare(`
		INSERT OR IGNORE INTO settlements (signature, sender, sol_amount, ratio, issued, mint_tx, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = stmt.Exec(rec.Signature, rec.Sender, int64(rec.SolAmount), rec.Ratio, int64(rec.Issued), rec.MintTx, StatusCompleted, created.Unix())
	if err != nil {
		return fmt.Errorf("failed to record settlement: %w", err)
	}
	return nil
}

// GetSettlement retrieves a settlement by deposit signature
func (d *Database) GetSettlement(signature string) (*model.SettlementRecord, error) {
	var rec model.SettlementRecord
	var sol, issued, created int64
	err := d.db.QueryRow(`
		SELECT signature, sender, sol_amount, ratio, issued, mint_tx, created_at
		FROM settlements WHERE signature = ?`, signature).
		Scan(&rec.Signature, &rec.Sender, &sol, &rec.Ratio, &issued, &rec.MintTx, &created)
	if err != nil {
		return nil, err
	}
	rec.SolAmount = uint64(sol)
	rec.Issued = uint64(issued)
	rec.CreatedAt = time.Unix(created, 0)
	return &rec, nil
}

// ClaimRedemption inserts a redemption keyed by its burn signature and
// reports false if that burn was already claimed.
func (d *Database) ClaimRedemption(rec model.RedemptionRecord) (bool, error) {
	stmt, err := d.db.Prepare(`
		INSERT OR IGNORE INTO redemptions (burn_signature, holder, token_amount, sol_amount, ratio, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return false, err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	result, err := stmt.Exec(rec.BurnSignature, rec.Holder, int64(rec.TokenAmount), int64(rec.SolAmount), rec.Ratio, rec.State, now, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim redemption: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// UpdateRedemption moves a redemption to state, recording the payout
// transaction and error text when given
func (d *Database) UpdateRedemption(burnSignature, state, payoutTx, errText string) error {
	result, err := d.db.Exec(`
		UPDATE redemptions
		SET state = ?, payout_tx = COALESCE(NULLIF(?, ''), payout_tx), error = NULLIF(?, ''), updated_at = ?
		WHERE burn_signature = ?`,
		state, payoutTx, errText, time.Now().Unix(), burnSignature)
	if err != nil {
		return fmt.Errorf("failed to update redemption: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no redemption found for burn %s", burnSignature)
	}
	return nil
}

// ReleaseRedemption deletes a claim whose payout provably never left, so the
// same burn can be redeemed again
func (d *Database) ReleaseRedemption(burnSignature string) error {
	_, err := d.db.Exec("DELETE FROM redemptions WHERE burn_signature = ?", burnSignature)
	if err != nil {
		return fmt.Errorf("failed to release redemption: %w", err)
	}
	return nil
}

// GetRedemption retrieves a redemption by burn signature
func (d *Database) GetRedemption(burnSignature string) (*model.RedemptionRecord, error) {
	rows, err := d.db.Query(redemptionSelect+" WHERE burn_signature = ?", burnSignature)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs, err := scanRedemptions(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, sql.ErrNoRows
	}
	return &recs[0], nil
}

// ListRedemptions returns redemptions newest first, filtered by state when
// state is not empty
func (d *Database) ListRedemptions(state string, limit int) ([]model.RedemptionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if state == "" {
		rows, err = d.db.Query(redemptionSelect+" ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = d.db.Query(redemptionSelect+" WHERE state = ? ORDER BY updated_at DESC LIMIT ?", state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list redemptions: %w", err)
	}
	defer rows.Close()

	return scanRedemptions(rows)
}

const redemptionSelect = `
	SELECT burn_signature, holder, token_amount, sol_amount, ratio, payout_tx, state, error, created_at, updated_at
	FROM redemptions`

func scanRedemptions(rows *sql.Rows) ([]model.RedemptionRecord, error) {
	recs := make([]model.RedemptionRecord, 0)
	for rows.Next() {
		var r model.RedemptionRecord
		var tokens, sol, created, updated int64
		var payoutTx, errText sql.NullString
		if err := rows.Scan(&r.BurnSignature, &r.Holder, &tokens, &sol, &r.Ratio, &payoutTx, &r.State, &errText, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		r.TokenAmount = uint64(tokens)
		r.SolAmount = uint64(sol)
		if payoutTx.Valid {
			r.PayoutTx = payoutTx.String
		}
		if errText.Valid {
			r.Error = errText.String
		}
		r.CreatedAt = time.Unix(created, 0)
		r.UpdatedAt = time.Unix(updated, 0)
		recs = append(recs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating redemptions: %w", err)
	}
	return recs, nil
}
