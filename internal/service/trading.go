// Package service 请求处理层：校验入参、调用引擎、在同一请求事务内
// 完成持久化并只提交一次。
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/marketsim/engine/internal/exchange"
	"github.com/marketsim/engine/internal/metrics"
	"github.com/marketsim/engine/internal/orderbook"
	"github.com/marketsim/engine/internal/repository"
	"github.com/marketsim/engine/pkg/audit"
	"github.com/marketsim/engine/pkg/decimal"
	commonerrors "github.com/marketsim/engine/pkg/errors"
	"github.com/marketsim/engine/pkg/logger"
	"github.com/marketsim/engine/pkg/tracing"
	"github.com/marketsim/engine/pkg/validate"
)

// IDGenerator 订单 / 用户 ID 生成器
type IDGenerator interface {
	NextID() int64
}

// Service 交易服务
type Service struct {
	exchange *exchange.Exchange
	store    *repository.Store
	idGen    IDGenerator
	log      *logger.Logger
	auditor  audit.Logger

	startingCash int64 // 新用户初始现金（分）
}

// New 创建服务
func New(ex *exchange.Exchange, store *repository.Store, idGen IDGenerator, startingCash int64, log *logger.Logger, auditor audit.Logger) *Service {
	if log == nil {
		log = logger.New("service", nil)
	}
	return &Service{
		exchange:     ex,
		store:        store,
		idGen:        idGen,
		log:          log,
		auditor:      auditor,
		startingCash: startingCash,
	}
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	UserID      int64
	Ticker      string
	Side        string // buy / sell
	Price       string // 十进制字符串，保留 2 位小数
	Quantity    int64
	TimeInForce string // GTC / IOC / FOK，空串使用默认值
}

// PlaceOrderResponse 下单结果
type PlaceOrderResponse struct {
	Order  exchange.OrderUpdate
	Trades []*orderbook.Trade
	Status string
}

// PlaceOrder 校验、撮合并持久化一笔订单。
func (s *Service) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "service.PlaceOrder")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticker", req.Ticker),
		attribute.String("side", req.Side),
	)

	start := time.Now()

	if err := validate.Ticker(req.Ticker); err != nil {
		return nil, err
	}
	if err := validate.Side(req.Side); err != nil {
		return nil, err
	}
	if err := validate.TimeInForce(req.TimeInForce); err != nil {
		return nil, err
	}
	if err := validate.Quantity(req.Quantity); err != nil {
		return nil, err
	}

	price, err := parsePrice(req.Price)
	if err != nil {
		return nil, err
	}

	side, _ := orderbook.ParseSide(req.Side)
	var tif orderbook.TimeInForce
	if req.TimeInForce != "" {
		tif, _ = orderbook.ParseTIF(req.TimeInForce)
	}

	order := &orderbook.Order{
		OrderID:     s.idGen.NextID(),
		UserID:      req.UserID,
		Price:       price,
		OrigQty:     req.Quantity,
		TimeInForce: tif,
	}

	result, err := s.exchange.PlaceOrder(req.Ticker, order, side)
	if err != nil {
		metrics.IncOrdersRejected(string(commonerrors.CodeOf(err)))
		tracing.SetError(ctx, err)
		s.audit(ctx, audit.NewLog(audit.EventOrderPlaced, req.UserID).
			WithResource("order", req.Ticker).
			WithResult(false, err.Error()))
		return nil, err
	}

	if err := s.persistPlacement(ctx, result); err != nil {
		// 引擎状态已生效；落库失败属于服务端故障，向上暴露
		s.log.WithError(err).Errorf("persist placement error", map[string]interface{}{
			"orderId": result.Order.OrderID, "ticker": req.Ticker,
		})
		tracing.SetError(ctx, err)
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "persist order %d: %v", result.Order.OrderID, err)
	}

	metrics.IncOrdersPlaced(req.Ticker, result.Status.String())
	metrics.AddTradesCreated(req.Ticker, len(result.Trades))
	metrics.ObservePlaceLatency(time.Since(start))

	s.audit(ctx, audit.NewLog(audit.EventOrderPlaced, req.UserID).
		WithResource("order", req.Ticker).
		WithParams(map[string]interface{}{
			"orderId": result.Order.OrderID,
			"side":    req.Side,
			"price":   req.Price,
			"qty":     req.Quantity,
			"status":  result.Status.String(),
		}))

	return &PlaceOrderResponse{
		Order:  result.Order,
		Trades: result.Trades,
		Status: result.Status.String(),
	}, nil
}

// persistPlacement 在单个事务内记录订单、成交、被动方进度与受影响
// 用户的最终余额，然后提交一次。
func (s *Service) persistPlacement(ctx context.Context, result *exchange.PlaceResult) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()

	if err := s.store.CreateOrder(ctx, tx, orderRecord(&result.Order, now)); err != nil {
		return err
	}

	for _, trade := range result.Trades {
		if err := s.store.CreateTrade(ctx, tx, &repository.TradeRecord{
			TradeID:     trade.TradeID,
			Ticker:      trade.Ticker,
			Price:       trade.Price,
			Qty:         trade.Qty,
			BuyerID:     trade.BuyerID,
			SellerID:    trade.SellerID,
			BuyOrderID:  trade.BuyOrderID,
			SellOrderID: trade.SellOrderID,
			CreatedAt:   trade.CreatedAt,
		}); err != nil {
			return err
		}
	}

	for _, maker := range result.MakerUpdates {
		if err := s.store.UpdateOrderExecution(ctx, tx, maker.OrderID, maker.FilledQty, maker.Status.String()); err != nil {
			return err
		}
	}

	for _, user := range result.AffectedUsers {
		if user.IsMarketMaker {
			continue
		}
		if err := s.store.SyncUser(ctx, tx, user.UserID, user.Cash, user.Holdings); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CancelOrderResponse 撤单结果
type CancelOrderResponse struct {
	Order        exchange.OrderUpdate
	RefundCash   int64
	RefundShares int64
}

// CancelOrder 撤销订单并持久化。
func (s *Service) CancelOrder(ctx context.Context, orderID, userID int64) (*CancelOrderResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "service.CancelOrder")
	defer span.End()

	result, err := s.exchange.CancelOrder(orderID, userID)
	if err != nil {
		tracing.SetError(ctx, err)
		return nil, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel %d: %v", orderID, err)
	}
	defer tx.Rollback()

	if err := s.store.UpdateOrderExecution(ctx, tx, result.Order.OrderID, result.Order.FilledQty, result.Order.Status.String()); err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel %d: %v", orderID, err)
	}
	if !result.User.IsMarketMaker {
		if err := s.store.SyncUser(ctx, tx, result.User.UserID, result.User.Cash, result.User.Holdings); err != nil {
			return nil, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel %d: %v", orderID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel %d: %v", orderID, err)
	}

	s.audit(ctx, audit.NewLog(audit.EventOrderCanceled, userID).
		WithResource("order", result.Order.Ticker).
		WithParams(map[string]interface{}{
			"orderId":      orderID,
			"refundCash":   result.RefundCash,
			"refundShares": result.RefundShares,
		}))

	return &CancelOrderResponse{
		Order:        result.Order,
		RefundCash:   result.RefundCash,
		RefundShares: result.RefundShares,
	}, nil
}

// CancelAllForUser 撤销用户在某 ticker 的全部在簿订单并持久化。
// 做市商每轮报价前用它清理旧报价。
func (s *Service) CancelAllForUser(ctx context.Context, ticker string, userID int64) (int, error) {
	results, err := s.exchange.CancelAllForUser(ticker, userID)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return 0, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel all: %v", err)
	}
	defer tx.Rollback()

	for _, result := range results {
		if err := s.store.UpdateOrderExecution(ctx, tx, result.Order.OrderID, result.Order.FilledQty, result.Order.Status.String()); err != nil {
			return 0, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel all: %v", err)
		}
	}
	// 同一用户的快照取最后一份即可
	last := results[len(results)-1]
	if !last.User.IsMarketMaker {
		if err := s.store.SyncUser(ctx, tx, last.User.UserID, last.User.Cash, last.User.Holdings); err != nil {
			return 0, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel all: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, commonerrors.Newf(commonerrors.CodeInternal, "persist cancel all: %v", err)
	}

	return len(results), nil
}

// RegisterUserRequest 注册请求
type RegisterUserRequest struct {
	Username      string
	Password      string
	IsMarketMaker bool
}

// RegisterUserResponse 注册结果
type RegisterUserResponse struct {
	UserID   int64
	Username string
	APIKey   string
	Cash     int64
}

// RegisterUser 落库并注册到引擎。引擎交易期间不回读数据库。
func (s *Service) RegisterUser(ctx context.Context, req *RegisterUserRequest) (*RegisterUserResponse, error) {
	if err := validate.Username(req.Username); err != nil {
		return nil, err
	}
	if len(req.Password) < 8 {
		return nil, commonerrors.New(commonerrors.CodeInvalidParam, "password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "hash password: %v", err)
	}

	cash := s.startingCash
	if req.IsMarketMaker {
		cash = 0
	}

	record := &repository.UserRecord{
		UserID:        s.idGen.NextID(),
		Username:      req.Username,
		PasswordHash:  string(hash),
		APIKey:        newAPIKey(),
		Cash:          cash,
		IsMarketMaker: req.IsMarketMaker,
		CreatedAt:     time.Now().UnixMilli(),
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "register user: %v", err)
	}
	defer tx.Rollback()

	if err := s.store.CreateUser(ctx, tx, record); err != nil {
		if err == repository.ErrDuplicateUsername {
			return nil, commonerrors.Newf(commonerrors.CodeUsernameExists, "username %q already exists", req.Username)
		}
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "register user: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, commonerrors.Newf(commonerrors.CodeInternal, "register user: %v", err)
	}

	user := exchange.NewUser(record.UserID, record.Username, record.Cash, record.IsMarketMaker)
	if err := s.exchange.RegisterUser(user); err != nil {
		return nil, err
	}

	s.audit(ctx, audit.NewLog(audit.EventUserRegistered, record.UserID).
		WithResource("user", record.Username).
		WithParams(map[string]interface{}{
			"username": req.Username,
			"mm":       req.IsMarketMaker,
		}))

	return &RegisterUserResponse{
		UserID:   record.UserID,
		Username: record.Username,
		APIKey:   record.APIKey,
		Cash:     record.Cash,
	}, nil
}

// EnsureMarketMaker 确保做市商账户存在并已注册到引擎，返回其 ID。
func (s *Service) EnsureMarketMaker(ctx context.Context, username string) (int64, error) {
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err == nil {
		user := exchange.NewUser(existing.UserID, existing.Username, existing.Cash, true)
		for ticker, qty := range existing.Holdings {
			user.SetHoldings(ticker, qty)
		}
		if regErr := s.exchange.RegisterUser(user); regErr != nil {
			// 已注册（启动加载）时幂等返回
			if !commonerrors.Is(regErr, commonerrors.CodeUsernameExists) {
				return 0, regErr
			}
		}
		return existing.UserID, nil
	}
	if err != repository.ErrNotFound {
		return 0, commonerrors.Newf(commonerrors.CodeInternal, "ensure market maker: %v", err)
	}

	resp, err := s.RegisterUser(ctx, &RegisterUserRequest{
		Username:      username,
		Password:      newAPIKey(), // 做市商不走人工登录，随机口令
		IsMarketMaker: true,
	})
	if err != nil {
		return 0, err
	}
	return resp.UserID, nil
}

// SetLastPrice 管理操作：设置 ticker 参考价。
func (s *Service) SetLastPrice(ctx context.Context, ticker, priceStr string, actorID int64) error {
	if err := validate.Ticker(ticker); err != nil {
		return err
	}
	price, err := parsePrice(priceStr)
	if err != nil {
		return err
	}
	if err := s.exchange.SetLastPrice(ticker, price); err != nil {
		return err
	}

	s.audit(ctx, audit.NewLog(audit.EventLastPriceSet, actorID).
		WithResource("ticker", ticker).
		WithParams(map[string]interface{}{"price": priceStr}))
	return nil
}

// LoadState 启动恢复：把全部用户与在簿订单装回引擎。
func (s *Service) LoadState(ctx context.Context) error {
	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return err
	}
	for _, record := range users {
		user := exchange.NewUser(record.UserID, record.Username, record.Cash, record.IsMarketMaker)
		for ticker, qty := range record.Holdings {
			user.SetHoldings(ticker, qty)
		}
		if err := s.exchange.RegisterUser(user); err != nil {
			return err
		}
	}
	s.log.Infof("users loaded", map[string]interface{}{"count": len(users)})

	restored := 0
	for _, ticker := range s.exchange.Tickers() {
		orders, err := s.store.LoadOpenOrders(ctx, ticker)
		if err != nil {
			return err
		}
		for _, record := range orders {
			side, ok := orderbook.ParseSide(record.Side)
			if !ok {
				continue
			}
			tif, ok := orderbook.ParseTIF(record.TimeInForce)
			if !ok {
				tif = orderbook.TIFGTC
			}
			status := orderbook.StatusOpen
			if record.FilledQty > 0 {
				status = orderbook.StatusPartial
			}
			order := &orderbook.Order{
				OrderID:     record.OrderID,
				UserID:      record.UserID,
				Ticker:      record.Ticker,
				Side:        side,
				Price:       record.Price,
				OrigQty:     record.OrigQty,
				LeavesQty:   record.OrigQty - record.FilledQty,
				TimeInForce: tif,
				Status:      status,
				CreatedAt:   record.CreatedAt,
			}
			if err := s.exchange.RestoreOrder(order); err != nil {
				s.log.WithError(err).Warnf("restore order skipped", map[string]interface{}{
					"orderId": record.OrderID, "ticker": ticker,
				})
				continue
			}
			restored++
		}
	}
	s.log.Infof("open orders restored", map[string]interface{}{"count": restored})
	return nil
}

// Exchange 暴露引擎只读入口（深度、最优价、行情统计等）
func (s *Service) Exchange() *exchange.Exchange {
	return s.exchange
}

// ListTrades 查询某 ticker 最近成交
func (s *Service) ListTrades(ctx context.Context, ticker string, limit int) ([]*repository.TradeRecord, error) {
	if err := validate.Ticker(ticker); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListTrades(ctx, ticker, limit)
}

func (s *Service) audit(ctx context.Context, entry *audit.AuditLog) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Log(ctx, entry)
}

func parsePrice(priceStr string) (int64, error) {
	d, err := decimal.New(priceStr)
	if err != nil {
		return 0, commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid price %q", priceStr)
	}
	price := d.Round(validate.PriceScale).ToInt(validate.PriceScale)
	if err := validate.Price(price); err != nil {
		return 0, err
	}
	return price, nil
}

func newAPIKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func orderRecord(o *exchange.OrderUpdate, nowMs int64) *repository.OrderRecord {
	return &repository.OrderRecord{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Ticker:      o.Ticker,
		Side:        o.Side.String(),
		Price:       o.Price,
		OrigQty:     o.OrigQty,
		FilledQty:   o.FilledQty,
		Status:      o.Status.String(),
		TimeInForce: o.TimeInForce.String(),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   nowMs,
	}
}
