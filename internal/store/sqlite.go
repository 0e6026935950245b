// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sentinentx/internal/errors"
	"sentinentx/internal/models"
)

// SQLiteStore implements DataStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Consensus decisions with their votes
	CREATE TABLE IF NOT EXISTS consensus_decisions (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		mode TEXT NOT NULL,
		action TEXT NOT NULL,
		confidence REAL NOT NULL,
		leverage REAL,
		stop_loss REAL,
		take_profit REAL,
		qty_delta_factor REAL,
		reason TEXT,
		vetoes TEXT,
		votes TEXT,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Risk gate outcomes
	CREATE TABLE IF NOT EXISTS gate_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		symbol TEXT NOT NULL,
		ok INTEGER NOT NULL,
		reasons TEXT,
		details TEXT
	);

	-- Execution ladder attempts
	CREATE TABLE IF NOT EXISTS order_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		mode TEXT NOT NULL,
		order_id TEXT,
		price REAL,
		requested_qty REAL NOT NULL,
		filled_qty REAL NOT NULL,
		avg_price REAL,
		abort_reason TEXT,
		guard TEXT,
		timestamp DATETIME NOT NULL,
		UNIQUE(cycle_id, seq)
	);

	-- Trades opened by the engine
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		qty REAL NOT NULL,
		entry_price REAL NOT NULL,
		leverage REAL,
		stop_loss REAL,
		take_profit REAL,
		decision_id TEXT,
		execution_mode TEXT,
		exit_price REAL,
		pnl REAL,
		opened_at DATETIME NOT NULL,
		closed_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Protective orders per trade
	CREATE TABLE IF NOT EXISTS protections (
		trade_id TEXT PRIMARY KEY,
		ok INTEGER NOT NULL,
		oco_id TEXT,
		succeeded_count INTEGER,
		payload TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (trade_id) REFERENCES trades(id)
	);

	-- Create indexes for performance
	CREATE INDEX IF NOT EXISTS idx_decisions_symbol ON consensus_decisions(symbol);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON consensus_decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_gate_symbol ON gate_results(symbol);
	CREATE INDEX IF NOT EXISTS idx_attempts_cycle ON order_attempts(cycle_id);
	CREATE INDEX IF NOT EXISTS idx_trades_symbol_status ON trades(symbol, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Decisions
// ============================================================================

// RecordConsensus saves a consensus decision and its votes.
func (s *SQLiteStore) RecordConsensus(ctx context.Context, result *models.ConsensusResult) error {
	if result == nil || result.ID == "" {
		return errors.NewValidationError("consensus", result, "id is required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	vetoes, _ := json.Marshal(result.Vetoes)
	votes, _ := json.Marshal(result.Votes)

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO consensus_decisions (id, timestamp, symbol, mode, action, confidence, leverage, stop_loss, take_profit, qty_delta_factor, reason, vetoes, votes, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, result.ID, result.Timestamp.UTC(), result.Symbol, result.Mode, result.Action, result.Confidence, result.Leverage, result.StopLoss, result.TakeProfit, result.QtyDeltaFactor, result.Reason, string(vetoes), string(votes), string(payload))
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

// GetDecisions retrieves consensus decisions, newest first.
func (s *SQLiteStore) GetDecisions(ctx context.Context, filter DecisionFilter) ([]models.ConsensusResult, error) {
	query := "SELECT payload FROM consensus_decisions WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if !filter.StartDate.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []models.ConsensusResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		var r models.ConsensusResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

// ============================================================================
// Risk Gate
// ============================================================================

// RecordGate saves a risk gate outcome.
func (s *SQLiteStore) RecordGate(ctx context.Context, symbol string, result *models.RiskGateResult) error {
	if result == nil {
		return nil
	}
	reasons, _ := json.Marshal(result.Reasons)
	details, err := json.Marshal(result.Details)
	if err != nil {
		return fmt.Errorf("failed to encode gate details: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gate_results (timestamp, symbol, ok, reasons, details)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC(), symbol, boolInt(result.OK), string(reasons), string(details))
	if err != nil {
		return fmt.Errorf("failed to record gate result: %w", err)
	}
	return nil
}

// GetGateResults returns the latest gate outcomes for a symbol.
func (s *SQLiteStore) GetGateResults(ctx context.Context, symbol string, limit int) ([]GateRecord, error) {
	query := "SELECT timestamp, symbol, ok, reasons, details FROM gate_results WHERE symbol = ? ORDER BY id DESC"
	args := []interface{}{symbol}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate results: %w", err)
	}
	defer rows.Close()

	var out []GateRecord
	for rows.Next() {
		var rec GateRecord
		var ok int
		var reasons, details string
		if err := rows.Scan(&rec.Timestamp, &rec.Symbol, &ok, &reasons, &details); err != nil {
			return nil, fmt.Errorf("failed to scan gate result: %w", err)
		}
		rec.Result.OK = ok == 1
		json.Unmarshal([]byte(reasons), &rec.Result.Reasons)
		json.Unmarshal([]byte(details), &rec.Result.Details)
		out = append(out, rec)
	}

	return out, rows.Err()
}

// ============================================================================
// Execution
// ============================================================================

// SaveAttempts saves the ladder attempts of one cycle in a single transaction.
func (s *SQLiteStore) SaveAttempts(ctx context.Context, cycleID string, attempts []models.OrderAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO order_attempts (cycle_id, seq, mode, order_id, price, requested_qty, filled_qty, avg_price, abort_reason, guard, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, a := range attempts {
		_, err := stmt.ExecContext(ctx, cycleID, i, a.Mode, a.OrderID, a.Price, a.RequestedQty, a.FilledQty, a.AvgPrice, a.AbortReason, a.Guard, a.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetAttempts returns the attempts of a cycle in ladder order.
func (s *SQLiteStore) GetAttempts(ctx context.Context, cycleID string) ([]models.OrderAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT mode, order_id, price, requested_qty, filled_qty, avg_price, abort_reason, guard, timestamp
		FROM order_attempts
		WHERE cycle_id = ?
		ORDER BY seq ASC
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []models.OrderAttempt
	for rows.Next() {
		var a models.OrderAttempt
		if err := rows.Scan(&a.Mode, &a.OrderID, &a.Price, &a.RequestedQty, &a.FilledQty, &a.AvgPrice, &a.AbortReason, &a.Guard, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}

	return out, rows.Err()
}

// ============================================================================
// Trades
// ============================================================================

const tradeColumns = "id, symbol, side, status, qty, entry_price, leverage, stop_loss, take_profit, decision_id, execution_mode, exit_price, pnl, opened_at, closed_at"

// SaveTrade inserts a new trade.
func (s *SQLiteStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	if trade == nil || trade.ID == "" {
		return errors.NewValidationError("trade", trade, "id is required")
	}
	if trade.Status == "" {
		trade.Status = models.TradeOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.ID, trade.Symbol, trade.Side, trade.Status, trade.Qty, trade.EntryPrice, trade.Leverage, trade.StopLoss, trade.TakeProfit, trade.DecisionID, trade.ExecutionMode, trade.ExitPrice, trade.PnL, trade.OpenedAt.UTC(), nullTime(trade.ClosedAt))
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// UpdateTrade rewrites the mutable fields of a trade.
func (s *SQLiteStore) UpdateTrade(ctx context.Context, trade *models.Trade) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, qty = ?, entry_price = ?, leverage = ?, stop_loss = ?, take_profit = ?, execution_mode = ?, exit_price = ?, pnl = ?, closed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, trade.Status, trade.Qty, trade.EntryPrice, trade.Leverage, trade.StopLoss, trade.TakeProfit, trade.ExecutionMode, trade.ExitPrice, trade.PnL, nullTime(trade.ClosedAt), trade.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	return requireRow(res, "trade", trade.ID)
}

// GetOpenTrades returns open trades, for one symbol when symbol is set.
func (s *SQLiteStore) GetOpenTrades(ctx context.Context, symbol string) ([]models.Trade, error) {
	return s.GetTrades(ctx, TradeFilter{Symbol: symbol, Status: models.TradeOpen})
}

// GetTrades retrieves trades from the database.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.StartDate.IsZero() {
		query += " AND opened_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND opened_at <= ?"
		args = append(args, filter.EndDate.UTC())
	}

	query += " ORDER BY opened_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var closedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Status, &t.Qty, &t.EntryPrice, &t.Leverage, &t.StopLoss, &t.TakeProfit, &t.DecisionID, &t.ExecutionMode, &t.ExitPrice, &t.PnL, &t.OpenedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		if closedAt.Valid {
			ts := closedAt.Time
			t.ClosedAt = &ts
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// CloseTrade marks an open trade closed.
func (s *SQLiteStore) CloseTrade(ctx context.Context, tradeID string, exitPrice, pnl float64, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, exit_price = ?, pnl = ?, closed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, models.TradeClosed, exitPrice, pnl, closedAt.UTC(), tradeID, models.TradeOpen)
	if err != nil {
		return fmt.Errorf("failed to close trade: %w", err)
	}
	return requireRow(res, "open trade", tradeID)
}

// ============================================================================
// Protection
// ============================================================================

// SaveProtection stores the protective orders of a trade, replacing earlier ones.
func (s *SQLiteStore) SaveProtection(ctx context.Context, tradeID string, result *models.ProtectionResult) error {
	if result == nil {
		return nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode protection: %w", err)
	}
	var ocoID string
	if result.OCO != nil {
		ocoID = result.OCO.OcoID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO protections (trade_id, ok, oco_id, succeeded_count, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, tradeID, boolInt(result.OK), ocoID, result.SucceededCount, string(payload))
	if err != nil {
		return fmt.Errorf("failed to save protection: %w", err)
	}
	return nil
}

// GetProtection returns the stored protection of a trade.
func (s *SQLiteStore) GetProtection(ctx context.Context, tradeID string) (*models.ProtectionResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM protections WHERE trade_id = ?", tradeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrDataNotFound, "protection for %s", tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get protection: %w", err)
	}

	var r models.ProtectionResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("failed to decode protection: %w", err)
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrDataNotFound, "%s %s", what, id)
	}
	return nil
}

// Ensure SQLiteStore implements DataStore interface
var _ DataStore = (*SQLiteStore)(nil)
