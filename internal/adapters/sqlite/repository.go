package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/1a55y/TradingBot/internal/domain"
	"github.com/1a55y/TradingBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.TradeRepository interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trading_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the archive writer and
	// ad-hoc reads.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: opening database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: pinging database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

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
	cfg.Logger.Info(context.Background(), "SQLite trade archive ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS closed_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		pnl REAL NOT NULL,
		tiers_filled INTEGER NOT NULL,
		close_reason TEXT NOT NULL,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_closed_trades_contract_closed_at
		ON closed_trades (contract_id, closed_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateTrade saves a closed trade record and returns its assigned ID.
func (r *Repository) CreateTrade(ctx context.Context, trade *domain.ClosedTrade) (int64, error) {
	const query = `
	INSERT INTO closed_trades
		(position_id, contract_id, side, quantity, entry_price, pnl, tiers_filled, close_reason, opened_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		trade.PositionID, trade.ContractID, string(trade.Side), trade.Quantity,
		trade.EntryPrice, trade.PnL, trade.TiersFilled, string(trade.CloseReason),
		trade.OpenedAt.UTC(), trade.ClosedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: inserting closed trade: %w", ports.ErrQueryFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: reading insert id: %w", ports.ErrQueryFailed, err)
	}
	return id, nil
}

// FindByContract retrieves the most recent trades for a contract, up to a limit.
func (r *Repository) FindByContract(ctx context.Context, contractID string, limit int) ([]*domain.ClosedTrade, error) {
	const query = `
	SELECT id, position_id, contract_id, side, quantity, entry_price, pnl, tiers_filled, close_reason, opened_at, closed_at
	FROM closed_trades
	WHERE contract_id = ?
	ORDER BY closed_at DESC
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, contractID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: querying closed trades: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	var trades []*domain.ClosedTrade
	for rows.Next() {
		var t domain.ClosedTrade
		var side, reason string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.ContractID, &side, &t.Quantity,
			&t.EntryPrice, &t.PnL, &t.TiersFilled, &reason, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("%w: scanning closed trade: %w", ports.ErrQueryFailed, err)
		}
		t.Side = domain.OrderSide(side)
		t.CloseReason = domain.CloseReason(reason)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// CountTodayByContract counts trades closed today (UTC) for a contract.
func (r *Repository) CountTodayByContract(ctx context.Context, contractID string) (int, error) {
	const query = `
	SELECT COUNT(*) FROM closed_trades
	WHERE contract_id = ? AND closed_at >= ?`

	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	var count int
	if err := r.db.QueryRowContext(ctx, query, contractID, dayStart).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: counting today's trades: %w", ports.ErrQueryFailed, err)
	}
	return count, nil
}
