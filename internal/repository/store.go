// Package repository 数据访问层。
//
// 引擎本身不落库：请求处理方在引擎返回后、同一请求事务内完成全部
// 写入并只提交一次。本包提供该契约所需的写入原语与启动恢复查询。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateUsername = errors.New("username already exists")
)

// UserRecord 用户持久化记录
type UserRecord struct {
	UserID        int64
	Username      string
	PasswordHash  string
	APIKey        string
	Cash          int64 // 最小单位整数（分）
	IsMarketMaker bool
	Holdings      map[string]int64
	CreatedAt     int64
}

// OrderRecord 订单持久化记录
type OrderRecord struct {
	OrderID     int64
	UserID      int64
	Ticker      string
	Side        string // buy / sell
	Price       int64
	OrigQty     int64
	FilledQty   int64
	Status      string // open / partial / filled / cancelled
	TimeInForce string // GTC / IOC / FOK
	CreatedAt   int64
	UpdatedAt   int64
}

// TradeRecord 成交持久化记录
type TradeRecord struct {
	TradeID     int64
	Ticker      string
	Price       int64
	Qty         int64
	BuyerID     int64
	SellerID    int64
	BuyOrderID  int64
	SellOrderID int64
	CreatedAt   int64
}

// Store 基于 PostgreSQL 的存储
type Store struct {
	db *sql.DB
}

// New 创建存储
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin 开启请求级事务
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

// CreateUser 写入新用户及其初始持仓
func (s *Store) CreateUser(ctx context.Context, tx *sql.Tx, u *UserRecord) error {
	query := `
		INSERT INTO marketsim.users
		(id, username, password_hash, api_key, cash, is_market_maker, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.ExecContext(ctx, query,
		u.UserID, u.Username, u.PasswordHash, u.APIKey, u.Cash, u.IsMarketMaker, u.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateUsername
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByUsername 按用户名查询
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*UserRecord, error) {
	query := `
		SELECT id, username, password_hash, api_key, cash, is_market_maker, created_at_ms
		FROM marketsim.users
		WHERE username = $1
	`
	var u UserRecord
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&u.UserID, &u.Username, &u.PasswordHash, &u.APIKey, &u.Cash, &u.IsMarketMaker, &u.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// LoadUsers 启动时加载全部用户及持仓
func (s *Store) LoadUsers(ctx context.Context) ([]*UserRecord, error) {
	query := `
		SELECT id, username, password_hash, api_key, cash, is_market_maker, created_at_ms
		FROM marketsim.users
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*UserRecord)
	var users []*UserRecord
	for rows.Next() {
		var u UserRecord
		if err := rows.Scan(&u.UserID, &u.Username, &u.PasswordHash, &u.APIKey, &u.Cash, &u.IsMarketMaker, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.Holdings = make(map[string]int64)
		byID[u.UserID] = &u
		users = append(users, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	holdingsQuery := `SELECT user_id, ticker, quantity FROM marketsim.holdings`
	hrows, err := s.db.QueryContext(ctx, holdingsQuery)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var userID, qty int64
		var ticker string
		if err := hrows.Scan(&userID, &ticker, &qty); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		if u, ok := byID[userID]; ok {
			u.Holdings[ticker] = qty
		}
	}
	if err := hrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}

	return users, nil
}

// CreateOrder 写入新订单
func (s *Store) CreateOrder(ctx context.Context, tx *sql.Tx, o *OrderRecord) error {
	query := `
		INSERT INTO marketsim.orders
		(id, user_id, ticker, side, price, orig_qty, filled_qty, status, time_in_force, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.ExecContext(ctx, query,
		o.OrderID, o.UserID, o.Ticker, o.Side, o.Price, o.OrigQty, o.FilledQty,
		o.Status, o.TimeInForce, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrderExecution 更新订单成交进度与状态
func (s *Store) UpdateOrderExecution(ctx context.Context, tx *sql.Tx, orderID, filledQty int64, status string) error {
	query := `
		UPDATE marketsim.orders
		SET filled_qty = $1, status = $2, updated_at_ms = $3
		WHERE id = $4
	`
	result, err := tx.ExecContext(ctx, query, filledQty, status, time.Now().UnixMilli(), orderID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTrade 写入成交
func (s *Store) CreateTrade(ctx context.Context, tx *sql.Tx, t *TradeRecord) error {
	query := `
		INSERT INTO marketsim.trades
		(id, ticker, price, qty, buyer_id, seller_id, buy_order_id, sell_order_id, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		t.TradeID, t.Ticker, t.Price, t.Qty, t.BuyerID, t.SellerID, t.BuyOrderID, t.SellOrderID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// SyncUser 将用户最终现金与持仓写回（幂等 upsert）
func (s *Store) SyncUser(ctx context.Context, tx *sql.Tx, userID, cash int64, holdings map[string]int64) error {
	cashQuery := `UPDATE marketsim.users SET cash = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, cashQuery, cash, userID); err != nil {
		return fmt.Errorf("update cash: %w", err)
	}

	holdingQuery := `
		INSERT INTO marketsim.holdings (user_id, ticker, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, ticker) DO UPDATE SET quantity = EXCLUDED.quantity
	`
	for ticker, qty := range holdings {
		if _, err := tx.ExecContext(ctx, holdingQuery, userID, ticker, qty); err != nil {
			return fmt.Errorf("upsert holding: %w", err)
		}
	}
	return nil
}

// LoadOpenOrders 启动恢复：加载指定 ticker 的在簿订单，按 created_at 升序
func (s *Store) LoadOpenOrders(ctx context.Context, ticker string) ([]*OrderRecord, error) {
	query := `
		SELECT id, user_id, ticker, side, price, orig_qty, filled_qty, status, time_in_force, created_at_ms, updated_at_ms
		FROM marketsim.orders
		WHERE ticker = $1 AND status IN ('open', 'partial')
		ORDER BY created_at_ms ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, ticker)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var orders []*OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(
			&o.OrderID, &o.UserID, &o.Ticker, &o.Side, &o.Price, &o.OrigQty,
			&o.FilledQty, &o.Status, &o.TimeInForce, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// ListActiveTickers 列出仍有在簿订单的 ticker
func (s *Store) ListActiveTickers(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT ticker FROM marketsim.orders
		WHERE status IN ('open', 'partial')
		ORDER BY ticker
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, fmt.Errorf("scan ticker: %w", err)
		}
		tickers = append(tickers, ticker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickers: %w", err)
	}
	return tickers, nil
}

// ListTrades 按 ticker 查询最近成交
func (s *Store) ListTrades(ctx context.Context, ticker string, limit int) ([]*TradeRecord, error) {
	query := `
		SELECT id, ticker, price, qty, buyer_id, seller_id, buy_order_id, sell_order_id, created_at_ms
		FROM marketsim.trades
		WHERE ticker = $1
		ORDER BY created_at_ms DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.TradeID, &t.Ticker, &t.Price, &t.Qty, &t.BuyerID, &t.SellerID,
			&t.BuyOrderID, &t.SellOrderID, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return trades, nil
}
