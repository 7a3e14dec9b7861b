package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"fundarb/internal/models"
)

// PostgresStore реализует TradeStore поверх PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore создает хранилище поверх открытого соединения
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open открывает пул соединений к PostgreSQL и проверяет его ping'ом
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

const tradeColumns = `id, symbol, direction, maker_venue, hedge_venue, state, target_usd, planned_coins,
	maker_filled, maker_avg_price, hedge_filled, hedge_avg_price, maker_order_id, hedge_order_id,
	failure_reason, created_at, updated_at, completed_at`

// CreateTrade сохраняет новую сделку
func (s *PostgresStore) CreateTrade(ctx context.Context, trade *models.TradeRecord) error {
	query := `
		INSERT INTO trades (id, symbol, direction, maker_venue, hedge_venue, state, target_usd, planned_coins,
			maker_filled, maker_avg_price, hedge_filled, hedge_avg_price, maker_order_id, hedge_order_id,
			failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	now := time.Now()
	trade.CreatedAt = now
	trade.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		trade.ID,
		trade.Symbol,
		trade.Direction,
		trade.MakerVenue,
		trade.HedgeVenue,
		trade.State,
		trade.TargetUSD,
		trade.PlannedCoins,
		trade.MakerFilled,
		trade.MakerAvgPrice,
		trade.HedgeFilled,
		trade.HedgeAvgPrice,
		trade.MakerOrderID,
		trade.HedgeOrderID,
		trade.FailureReason,
		trade.CreatedAt,
		trade.UpdatedAt,
	)
	return err
}

// UpdateTradeState переводит сделку из fromState в toState и пишет
// событие одной транзакцией: состояние и audit trail не могут разойтись.
// Фильтр по fromState - оптимистичный замок: конкурентный переход,
// успевший раньше, обнуляет rows affected и даёт ErrTradeNotFound
func (s *PostgresStore) UpdateTradeState(ctx context.Context, tradeID, fromState, toState, details string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE trades SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4`,
		toState, time.Now(), tradeID, fromState,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTradeNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trade_events (trade_id, from_state, to_state, details, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tradeID, fromState, toState, details, time.Now(),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateLegFills обновляет исполнение обеих ног
func (s *PostgresStore) UpdateLegFills(ctx context.Context, tradeID string, makerFilled, makerAvg, hedgeFilled, hedgeAvg float64) error {
	query := `
		UPDATE trades
		SET maker_filled = $1, maker_avg_price = $2, hedge_filled = $3, hedge_avg_price = $4, updated_at = $5
		WHERE id = $6`

	result, err := s.db.ExecContext(ctx, query, makerFilled, makerAvg, hedgeFilled, hedgeAvg, time.Now(), tradeID)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// SetOrderIDs сохраняет идентификаторы ордеров ног
func (s *PostgresStore) SetOrderIDs(ctx context.Context, tradeID, makerOrderID, hedgeOrderID string) error {
	query := `
		UPDATE trades
		SET maker_order_id = $1, hedge_order_id = $2, updated_at = $3
		WHERE id = $4`

	result, err := s.db.ExecContext(ctx, query, makerOrderID, hedgeOrderID, time.Now(), tradeID)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// SetFailureReason записывает причину неудачи
func (s *PostgresStore) SetFailureReason(ctx context.Context, tradeID, reason string) error {
	query := `UPDATE trades SET failure_reason = $1, updated_at = $2 WHERE id = $3`

	result, err := s.db.ExecContext(ctx, query, reason, time.Now(), tradeID)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// MarkCompleted выставляет completed_at
func (s *PostgresStore) MarkCompleted(ctx context.Context, tradeID string) error {
	query := `UPDATE trades SET completed_at = $1, updated_at = $1 WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, time.Now(), tradeID)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// GetTrade возвращает сделку по ID
func (s *PostgresStore) GetTrade(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE id = $1`

	trade := &models.TradeRecord{}
	err := s.db.QueryRowContext(ctx, query, tradeID).Scan(scanTargets(trade)...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return trade, nil
}

// GetTradesByState возвращает сделки в заданном состоянии
func (s *PostgresStore) GetTradesByState(ctx context.Context, state string, limit int) ([]*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE state = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetRecentTrades возвращает последние сделки
func (s *PostgresStore) GetRecentTrades(ctx context.Context, limit int) ([]*models.TradeRecord, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// GetEvents возвращает события сделки в хронологическом порядке
func (s *PostgresStore) GetEvents(ctx context.Context, tradeID string) ([]*models.TradeEvent, error) {
	query := `
		SELECT id, trade_id, from_state, to_state, details, created_at
		FROM trade_events
		WHERE trade_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.TradeEvent
	for rows.Next() {
		event := &models.TradeEvent{}
		err := rows.Scan(
			&event.ID,
			&event.TradeID,
			&event.FromState,
			&event.ToState,
			&event.Details,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// CountByState возвращает количество сделок в состоянии
func (s *PostgresStore) CountByState(ctx context.Context, state string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE state = $1`, state).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func scanTargets(trade *models.TradeRecord) []interface{} {
	return []interface{}{
		&trade.ID,
		&trade.Symbol,
		&trade.Direction,
		&trade.MakerVenue,
		&trade.HedgeVenue,
		&trade.State,
		&trade.TargetUSD,
		&trade.PlannedCoins,
		&trade.MakerFilled,
		&trade.MakerAvgPrice,
		&trade.HedgeFilled,
		&trade.HedgeAvgPrice,
		&trade.MakerOrderID,
		&trade.HedgeOrderID,
		&trade.FailureReason,
		&trade.CreatedAt,
		&trade.UpdatedAt,
		&trade.CompletedAt,
	}
}

func scanTrades(rows *sql.Rows) ([]*models.TradeRecord, error) {
	var trades []*models.TradeRecord
	for rows.Next() {
		trade := &models.TradeRecord{}
		if err := rows.Scan(scanTargets(trade)...); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTradeNotFound
	}
	return nil
}
