package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"swingbot/internal/domain"
	"swingbot/internal/ports"
)

// Repository implements ports.LedgerRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository opens the database, applies the schema and returns a ready
// repository.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/swingbot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %v", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite serializes writes itself; one connection avoids lock contention
	// in the Go driver.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite database ready", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		status TEXT NOT NULL,
		pending_order_id TEXT DEFAULT '',
		mark_price REAL DEFAULT 0,
		unrealized_pl REAL DEFAULT 0,
		exit_price REAL DEFAULT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		exit_reason TEXT DEFAULT NULL,
		realized_pl REAL DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS bot_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// CreatePosition saves a new position and returns its assigned ID.
func (r *Repository) CreatePosition(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, quantity, entry_price, entry_time, stop_loss, take_profit,
	                       status, pending_order_id, mark_price, unrealized_pl)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Quantity, pos.EntryPrice, pos.EntryTime, pos.StopLoss, pos.TakeProfit,
		pos.Status, pos.PendingOrderID, pos.MarkPrice, pos.UnrealizedPL)
	if err != nil {
		return 0, fmt.Errorf("%w: insert position for symbol %s: %v", ports.ErrQueryFailed, pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert ID for position %s: %v", ports.ErrQueryFailed, pos.Symbol, err)
	}
	pos.ID = id
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"positionID": id, "symbol": pos.Symbol})
	return id, nil
}

// UpdatePosition modifies an existing position based on its ID.
func (r *Repository) UpdatePosition(ctx context.Context, pos *domain.Position) error {
	const query = `
	UPDATE positions
	SET quantity = ?, entry_price = ?, entry_time = ?, stop_loss = ?, take_profit = ?,
	    status = ?, pending_order_id = ?, mark_price = ?, unrealized_pl = ?,
	    exit_price = ?, exit_time = ?, exit_reason = ?, realized_pl = ?
	WHERE id = ?`

	var exitTime sql.NullTime
	if !pos.ExitTime.IsZero() {
		exitTime = sql.NullTime{Time: pos.ExitTime, Valid: true}
	}
	var exitReason sql.NullString
	if pos.ExitReason != "" {
		exitReason = sql.NullString{String: string(pos.ExitReason), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query,
		pos.Quantity, pos.EntryPrice, pos.EntryTime, pos.StopLoss, pos.TakeProfit,
		pos.Status, pos.PendingOrderID, pos.MarkPrice, pos.UnrealizedPL,
		pos.ExitPrice, exitTime, exitReason, pos.RealizedPL,
		pos.ID)
	if err != nil {
		return fmt.Errorf("%w: update position ID %d: %v", ports.ErrUpdateFailed, pos.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected for position ID %d: %v", ports.ErrUpdateFailed, pos.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	r.logger.Debug(ctx, "Position updated", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "status": pos.Status})
	return nil
}

// FindActivePositions retrieves all positions in a non-terminal state.
func (r *Repository) FindActivePositions(ctx context.Context) ([]*domain.Position, error) {
	const query = selectPosition + `
	WHERE status IN (?, ?, ?)
	ORDER BY entry_time ASC`

	rows, err := r.db.QueryContext(ctx, query,
		domain.StatusPendingEntry, domain.StatusOpen, domain.StatusPendingExit)
	if err != nil {
		return nil, fmt.Errorf("%w: query active positions: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// FindAllPositions retrieves the full position history, newest first.
func (r *Repository) FindAllPositions(ctx context.Context) ([]*domain.Position, error) {
	const query = selectPosition + `
	ORDER BY entry_time DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query all positions: %v", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	return collectPositions(rows)
}

// GetTotalRealizedPL sums the realized profit over all closed positions.
func (r *Repository) GetTotalRealizedPL(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(realized_pl), 0) FROM positions WHERE status = ?`
	var total float64
	if err := r.db.QueryRowContext(ctx, query, domain.StatusClosed).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: total realized PL: %v", ports.ErrQueryFailed, err)
	}
	return total, nil
}

// SaveBotState persists the orchestrator lifecycle state as a single row.
func (r *Repository) SaveBotState(ctx context.Context, state domain.BotState) error {
	const query = `
	INSERT INTO bot_state (id, state, updated_at) VALUES (1, ?, ?)
	ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query, state, time.Now()); err != nil {
		return fmt.Errorf("%w: save bot state: %v", ports.ErrUpdateFailed, err)
	}
	return nil
}

// LoadBotState returns the persisted lifecycle state, or StateStopped when
// nothing was saved yet.
func (r *Repository) LoadBotState(ctx context.Context) (domain.BotState, error) {
	const query = `SELECT state FROM bot_state WHERE id = 1`
	var state string
	err := r.db.QueryRowContext(ctx, query).Scan(&state)
	if err == sql.ErrNoRows {
		return domain.StateStopped, nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: load bot state: %v", ports.ErrQueryFailed, err)
	}
	return domain.BotState(state), nil
}

const selectPosition = `
	SELECT id, symbol, quantity, entry_price, entry_time, stop_loss, take_profit,
	       status, pending_order_id, mark_price, unrealized_pl,
	       COALESCE(exit_price, 0), exit_time, exit_reason, COALESCE(realized_pl, 0)
	FROM positions`

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		exitTime   sql.NullTime
		exitReason sql.NullString
		status     string
	)
	err := s.Scan(
		&p.ID, &p.Symbol, &p.Quantity, &p.EntryPrice, &p.EntryTime, &p.StopLoss, &p.TakeProfit,
		&status, &p.PendingOrderID, &p.MarkPrice, &p.UnrealizedPL,
		&p.ExitPrice, &exitTime, &exitReason, &p.RealizedPL)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PositionStatus(status)
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if exitReason.Valid {
		p.ExitReason = domain.ExitReason(exitReason.String)
	}
	return p, nil
}

func collectPositions(rows *sql.Rows) ([]*domain.Position, error) {
	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", ports.ErrQueryFailed, err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate position rows: %v", ports.ErrQueryFailed, err)
	}
	return positions, nil
}
