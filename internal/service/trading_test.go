package service

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/marketsim/engine/internal/exchange"
	"github.com/marketsim/engine/internal/repository"
	commonerrors "github.com/marketsim/engine/pkg/errors"
)

type atomicGen struct{ n int64 }

func (g *atomicGen) NextID() int64 {
	return atomic.AddInt64(&g.n, 1)
}

const startingCash = 1000000

func newTestService(t *testing.T) (*Service, *exchange.Exchange, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	gen := &atomicGen{n: 1000}
	ex := exchange.New(gen)
	ex.AddTicker("FUN", 0)

	alice := exchange.NewUser(1, "alice", startingCash, false)
	bob := exchange.NewUser(2, "bob", startingCash, false)
	bob.SetHoldings("FUN", 50)
	if err := ex.RegisterUser(alice); err != nil {
		t.Fatal(err)
	}
	if err := ex.RegisterUser(bob); err != nil {
		t.Fatal(err)
	}

	svc := New(ex, repository.New(db), gen, startingCash, nil, nil)
	return svc, ex, mock, func() { db.Close() }
}

func TestPlaceOrderValidation(t *testing.T) {
	svc, _, _, closeFn := newTestService(t)
	defer closeFn()

	tests := []struct {
		name string
		req  *PlaceOrderRequest
		code commonerrors.Code
	}{
		{"bad ticker", &PlaceOrderRequest{UserID: 1, Ticker: "f!", Side: "buy", Price: "100.00", Quantity: 1}, commonerrors.CodeInvalidParam},
		{"bad side", &PlaceOrderRequest{UserID: 1, Ticker: "FUN", Side: "hold", Price: "100.00", Quantity: 1}, commonerrors.CodeInvalidSide},
		{"bad tif", &PlaceOrderRequest{UserID: 1, Ticker: "FUN", Side: "buy", Price: "100.00", Quantity: 1, TimeInForce: "DAY"}, commonerrors.CodeInvalidTIF},
		{"zero qty", &PlaceOrderRequest{UserID: 1, Ticker: "FUN", Side: "buy", Price: "100.00", Quantity: 0}, commonerrors.CodeInvalidOrder},
		{"bad price", &PlaceOrderRequest{UserID: 1, Ticker: "FUN", Side: "buy", Price: "abc", Quantity: 1}, commonerrors.CodeInvalidOrder},
		{"negative price", &PlaceOrderRequest{UserID: 1, Ticker: "FUN", Side: "buy", Price: "-5.00", Quantity: 1}, commonerrors.CodeInvalidOrder},
		{"unknown ticker", &PlaceOrderRequest{UserID: 1, Ticker: "ZZZ", Side: "buy", Price: "100.00", Quantity: 1}, commonerrors.CodeUnknownTicker},
	}

	for _, tt := range tests {
		_, err := svc.PlaceOrder(context.Background(), tt.req)
		if !commonerrors.Is(err, tt.code) {
			t.Errorf("%s: expected %s, got %v", tt.name, tt.code, err)
		}
	}
}

func TestPlaceOrderPersistsInOneTransaction(t *testing.T) {
	svc, _, mock, closeFn := newTestService(t)
	defer closeFn()

	// 无成交的 GTC 挂单：一个事务内写订单 + 同步用户，提交一次
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO marketsim.orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE marketsim.users SET cash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err := svc.PlaceOrder(context.Background(), &PlaceOrderRequest{
		UserID: 1, Ticker: "FUN", Side: "buy", Price: "99.00", Quantity: 5, TimeInForce: "GTC",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if resp.Status != "open" {
		t.Fatalf("expected open, got %s", resp.Status)
	}
	if resp.Order.Price != 9900 {
		t.Fatalf("expected price 9900 cents, got %d", resp.Order.Price)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPlaceOrderWithTradePersistsEverything(t *testing.T) {
	svc, _, mock, closeFn := newTestService(t)
	defer closeFn()

	// bob 挂卖单
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO marketsim.orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE marketsim.users SET cash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO marketsim.holdings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if _, err := svc.PlaceOrder(context.Background(), &PlaceOrderRequest{
		UserID: 2, Ticker: "FUN", Side: "sell", Price: "100.00", Quantity: 5, TimeInForce: "GTC",
	}); err != nil {
		t.Fatalf("place sell: %v", err)
	}

	// alice 吃单：订单 + 成交 + 被动方进度 + 双方余额
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO marketsim.orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO marketsim.trades").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE marketsim.orders").WillReturnResult(sqlmock.NewResult(0, 1))
	// 受影响用户按 ID 排序：alice(1) 再 bob(2)
	mock.ExpectExec("UPDATE marketsim.users SET cash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO marketsim.holdings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE marketsim.users SET cash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO marketsim.holdings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err := svc.PlaceOrder(context.Background(), &PlaceOrderRequest{
		UserID: 1, Ticker: "FUN", Side: "buy", Price: "100.00", Quantity: 5, TimeInForce: "GTC",
	})
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if resp.Status != "filled" {
		t.Fatalf("expected filled, got %s", resp.Status)
	}
	if len(resp.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(resp.Trades))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPlaceOrderRejectedNoPersistence(t *testing.T) {
	svc, _, mock, closeFn := newTestService(t)
	defer closeFn()

	// 资金不足：不应有任何数据库交互
	_, err := svc.PlaceOrder(context.Background(), &PlaceOrderRequest{
		UserID: 1, Ticker: "FUN", Side: "buy", Price: "100.00", Quantity: 1000,
	})
	if !commonerrors.Is(err, commonerrors.CodeInsufficientFunds) {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected db activity: %v", err)
	}
}

func TestCancelOrderPersists(t *testing.T) {
	svc, _, mock, closeFn := newTestService(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO marketsim.orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE marketsim.users SET cash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err := svc.PlaceOrder(context.Background(), &PlaceOrderRequest{
		UserID: 1, Ticker: "FUN", Side: "buy", Price: "99.00", Quantity: 5, TimeInForce: "GTC",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE marketsim.orders").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE marketsim.users SET cash").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cancelResp, err := svc.CancelOrder(context.Background(), resp.Order.OrderID, 1)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelResp.RefundCash != 49500 {
		t.Fatalf("refund = %d, want 49500", cancelResp.RefundCash)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	svc, _, _, closeFn := newTestService(t)
	defer closeFn()

	_, err := svc.CancelOrder(context.Background(), 999999, 1)
	if !commonerrors.Is(err, commonerrors.CodeOrderNotFound) {
		t.Fatalf("expected ORDER_NOT_FOUND, got %v", err)
	}
}

func TestRegisterUser(t *testing.T) {
	svc, ex, mock, closeFn := newTestService(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO marketsim.users").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	resp, err := svc.RegisterUser(context.Background(), &RegisterUserRequest{
		Username: "carol",
		Password: "hunter2hunter2",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if resp.Cash != startingCash {
		t.Fatalf("cash = %d, want %d", resp.Cash, startingCash)
	}
	if resp.APIKey == "" {
		t.Fatal("expected api key")
	}

	// 引擎内已可见
	snap, err := ex.GetUser(resp.UserID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if snap.Username != "carol" {
		t.Fatalf("username = %s", snap.Username)
	}
}

func TestRegisterUserValidation(t *testing.T) {
	svc, _, _, closeFn := newTestService(t)
	defer closeFn()

	if _, err := svc.RegisterUser(context.Background(), &RegisterUserRequest{Username: "x", Password: "longenough"}); !commonerrors.Is(err, commonerrors.CodeInvalidParam) {
		t.Fatalf("expected INVALID_PARAM for short username, got %v", err)
	}
	if _, err := svc.RegisterUser(context.Background(), &RegisterUserRequest{Username: "valid-name", Password: "short"}); !commonerrors.Is(err, commonerrors.CodeInvalidParam) {
		t.Fatalf("expected INVALID_PARAM for short password, got %v", err)
	}
}

func TestSetLastPrice(t *testing.T) {
	svc, ex, _, closeFn := newTestService(t)
	defer closeFn()

	if err := svc.SetLastPrice(context.Background(), "FUN", "123.45", 0); err != nil {
		t.Fatalf("set last price: %v", err)
	}
	price, ok, _ := ex.LastPrice("FUN")
	if !ok || price != 12345 {
		t.Fatalf("last price = %d (%v), want 12345", price, ok)
	}
}

func TestParsePriceRounding(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"100", 10000},
		{"100.5", 10050},
		{"100.505", 10051}, // 四舍五入到分
		{"0.01", 1},
	}
	for _, tt := range tests {
		got, err := parsePrice(tt.input)
		if err != nil {
			t.Errorf("parsePrice(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePrice(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}

	if _, err := parsePrice("0"); !commonerrors.Is(err, commonerrors.CodeInvalidOrder) {
		t.Fatal("expected error for zero price")
	}
}
