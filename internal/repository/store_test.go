package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestCreateOrder(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO marketsim.orders").
		WithArgs(int64(1), int64(100), "FUN", "buy", int64(10000), int64(10), int64(0), "open", "GTC", int64(1000), int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = store.CreateOrder(ctx, tx, &OrderRecord{
		OrderID: 1, UserID: 100, Ticker: "FUN", Side: "buy",
		Price: 10000, OrigQty: 10, FilledQty: 0,
		Status: "open", TimeInForce: "GTC", CreatedAt: 1000, UpdatedAt: 1000,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateOrderExecution(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE marketsim.orders").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	if err := store.UpdateOrderExecution(ctx, tx, 1, 5, "partial"); err != nil {
		t.Fatalf("update: %v", err)
	}
	tx.Commit()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateOrderExecutionNotFound(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE marketsim.orders").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	err := store.UpdateOrderExecution(ctx, tx, 404, 0, "cancelled")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	tx.Rollback()
}

func TestSyncUser(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE marketsim.users SET cash").
		WithArgs(int64(900000), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO marketsim.holdings").
		WithArgs(int64(1), "FUN", int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	if err := store.SyncUser(ctx, tx, 1, 900000, map[string]int64{"FUN": 10}); err != nil {
		t.Fatalf("sync user: %v", err)
	}
	tx.Commit()

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO marketsim.users").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	err := store.CreateUser(ctx, tx, &UserRecord{UserID: 1, Username: "alice"})
	if err != ErrDuplicateUsername {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	tx.Rollback()
}

func TestLoadOpenOrders(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "ticker", "side", "price", "orig_qty", "filled_qty",
		"status", "time_in_force", "created_at_ms", "updated_at_ms",
	}).
		AddRow(1, 100, "FUN", "buy", 9900, 10, 0, "open", "GTC", 1000, 1000).
		AddRow(2, 200, "FUN", "sell", 10100, 8, 3, "partial", "GTC", 1001, 1002)

	mock.ExpectQuery("SELECT (.+) FROM marketsim.orders").
		WithArgs("FUN").
		WillReturnRows(rows)

	orders, err := store.LoadOpenOrders(context.Background(), "FUN")
	if err != nil {
		t.Fatalf("load open orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].OrderID != 1 || orders[1].FilledQty != 3 {
		t.Fatalf("unexpected orders: %+v", orders)
	}
}

func TestLoadUsers(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	userRows := sqlmock.NewRows([]string{
		"id", "username", "password_hash", "api_key", "cash", "is_market_maker", "created_at_ms",
	}).
		AddRow(1, "alice", "hash-a", "key-a", 1000000, false, 1000).
		AddRow(2, "mm", "hash-b", "key-b", 0, true, 1001)

	holdingRows := sqlmock.NewRows([]string{"user_id", "ticker", "quantity"}).
		AddRow(1, "FUN", 10).
		AddRow(1, "MEME", 5)

	mock.ExpectQuery("SELECT (.+) FROM marketsim.users").WillReturnRows(userRows)
	mock.ExpectQuery("SELECT user_id, ticker, quantity FROM marketsim.holdings").WillReturnRows(holdingRows)

	users, err := store.LoadUsers(context.Background())
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].Holdings["FUN"] != 10 || users[0].Holdings["MEME"] != 5 {
		t.Fatalf("unexpected holdings: %+v", users[0].Holdings)
	}
	if !users[1].IsMarketMaker {
		t.Fatal("expected second user to be market maker")
	}
}

func TestGetUserByUsernameNotFound(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery("SELECT (.+) FROM marketsim.users").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetUserByUsername(context.Background(), "ghost")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveTickers(t *testing.T) {
	store, mock, closeFn := newMockStore(t)
	defer closeFn()

	mock.ExpectQuery("SELECT DISTINCT ticker FROM marketsim.orders").
		WillReturnRows(sqlmock.NewRows([]string{"ticker"}).AddRow("FUN").AddRow("MEME"))

	tickers, err := store.ListActiveTickers(context.Background())
	if err != nil {
		t.Fatalf("list active tickers: %v", err)
	}
	if len(tickers) != 2 || tickers[0] != "FUN" {
		t.Fatalf("unexpected tickers: %v", tickers)
	}
}
