// Package exchange 多 ticker 交易所核心：订单簿归属、资金托管与结算。
//
// 这是唯一改动用户余额的组件。同一 ticker 上的所有状态变更持有该
// ticker 的互斥锁串行执行；不同 ticker 之间并行。没有任何操作同时
// 持有两把 ticker 锁。
package exchange

import (
	"sort"
	"sync"
	"time"

	"github.com/marketsim/engine/internal/matching"
	"github.com/marketsim/engine/internal/orderbook"
	"github.com/marketsim/engine/pkg/decimal"
	commonerrors "github.com/marketsim/engine/pkg/errors"
)

// IDGenerator 成交 ID 生成器
type IDGenerator interface {
	NextID() int64
}

// TradeHandler 成交事件回调。入队在 ticker 锁内完成以保证同一 ticker
// 的事件顺序，因此实现必须立即返回（仅入队，不做 I/O）。
type TradeHandler func(ticker string, trades []*orderbook.Trade)

// tickerState 单个 ticker 的串行化域
type tickerState struct {
	mu        sync.Mutex
	book      *orderbook.OrderBook
	lastPrice int64 // 0 表示尚无成交且未配置初始价
}

// Exchange 交易所
type Exchange struct {
	mu      sync.RWMutex // 保护 tickers 与 users 的成员关系
	tickers map[string]*tickerState
	users   map[int64]*User

	idGen      IDGenerator
	onTrades   TradeHandler
	defaultTIF orderbook.TimeInForce
}

// New 创建交易所
func New(idGen IDGenerator) *Exchange {
	return &Exchange{
		tickers:    make(map[string]*tickerState),
		users:      make(map[int64]*User),
		idGen:      idGen,
		defaultTIF: orderbook.TIFGTC,
	}
}

// SetTradeHandler 设置成交事件回调
func (e *Exchange) SetTradeHandler(h TradeHandler) {
	e.onTrades = h
}

// SetDefaultTIF 设置省略 TIF 时的默认值
func (e *Exchange) SetDefaultTIF(tif orderbook.TimeInForce) {
	e.defaultTIF = tif
}

// AddTicker 上市一个 ticker。initialPrice 为 0 时无种子价。
func (e *Exchange) AddTicker(ticker string, initialPrice int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tickers[ticker]; exists {
		return
	}
	e.tickers[ticker] = &tickerState{
		book:      orderbook.New(ticker),
		lastPrice: initialPrice,
	}
}

// HasTicker 判断 ticker 是否已上市
func (e *Exchange) HasTicker(ticker string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tickers[ticker]
	return ok
}

// Tickers 返回全部已上市 ticker（字典序）
func (e *Exchange) Tickers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tickers))
	for ticker := range e.tickers {
		out = append(out, ticker)
	}
	sort.Strings(out)
	return out
}

func (e *Exchange) ticker(ticker string) *tickerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tickers[ticker]
}

// RegisterUser 注册用户。引擎在交易期间不回读数据库，内存账户即权威。
func (e *Exchange) RegisterUser(user *User) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.users[user.UserID]; exists {
		return commonerrors.Newf(commonerrors.CodeUsernameExists, "user %d already registered", user.UserID)
	}
	e.users[user.UserID] = user
	return nil
}

func (e *Exchange) userRef(userID int64) *User {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.users[userID]
}

// GetUser 返回用户账户快照
func (e *Exchange) GetUser(userID int64) (UserSnapshot, error) {
	user := e.userRef(userID)
	if user == nil {
		return UserSnapshot{}, commonerrors.ErrUserNotFound
	}
	return user.Snapshot(), nil
}

// OrderUpdate 订单状态快照（锁内拍摄，供持久化使用）
type OrderUpdate struct {
	OrderID     int64
	UserID      int64
	Ticker      string
	Side        orderbook.Side
	Price       int64
	OrigQty     int64
	FilledQty   int64
	LeavesQty   int64
	TimeInForce orderbook.TimeInForce
	Status      orderbook.Status
	CreatedAt   int64
}

func snapshotOrder(o *orderbook.Order) OrderUpdate {
	return OrderUpdate{
		OrderID:     o.OrderID,
		UserID:      o.UserID,
		Ticker:      o.Ticker,
		Side:        o.Side,
		Price:       o.Price,
		OrigQty:     o.OrigQty,
		FilledQty:   o.FilledQty(),
		LeavesQty:   o.LeavesQty,
		TimeInForce: o.TimeInForce,
		Status:      o.Status,
		CreatedAt:   o.CreatedAt,
	}
}

// PlaceResult 下单结果
type PlaceResult struct {
	Order         OrderUpdate
	Trades        []*orderbook.Trade
	Status        orderbook.Status
	MakerUpdates  []OrderUpdate  // 撮合中数量变化的在簿订单
	AffectedUsers []UserSnapshot // 余额或持仓被触及的用户
}

// PlaceOrder 校验、托管、撮合并结算一笔订单。
//
// 全流程持有 ticker 锁；成交事件在锁内入队、由订阅方异步发送。
// 所有失败都发生在任何状态变更之前。
func (e *Exchange) PlaceOrder(ticker string, order *orderbook.Order, side orderbook.Side) (*PlaceResult, error) {
	st := e.ticker(ticker)
	if st == nil {
		return nil, commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", ticker)
	}
	if side != orderbook.SideBuy && side != orderbook.SideSell {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidSide, "invalid side %d", side)
	}
	if order.Price <= 0 {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidOrder, "price must be positive")
	}
	if order.OrigQty <= 0 {
		return nil, commonerrors.Newf(commonerrors.CodeInvalidOrder, "quantity must be positive")
	}

	tif := order.TimeInForce
	if tif == 0 {
		tif = e.defaultTIF
	}
	switch tif {
	case orderbook.TIFGTC, orderbook.TIFIOC, orderbook.TIFFOK:
	default:
		return nil, commonerrors.Newf(commonerrors.CodeInvalidTIF, "invalid time in force %d", tif)
	}

	user := e.userRef(order.UserID)
	if user == nil {
		return nil, commonerrors.ErrUserNotFound
	}

	order.Ticker = ticker
	order.Side = side
	order.TimeInForce = tif
	order.LeavesQty = order.OrigQty
	order.Status = orderbook.StatusOpen

	st.mu.Lock()

	order.Seq = st.book.NextSeq()
	order.CreatedAt = time.Now().UnixMilli()

	// FOK 预检：不可全部成交则整单拒绝，不发生任何托管
	if tif == orderbook.TIFFOK {
		if matching.FillableQty(st.book, side, order.Price, order.OrigQty) < order.OrigQty {
			st.mu.Unlock()
			return nil, commonerrors.ErrNotFullyFillable
		}
	}

	// 托管：买单扣现金，卖单扣持仓；做市商跳过
	if !user.IsMarketMaker {
		if side == orderbook.SideBuy {
			cost := order.Price * order.OrigQty
			if !user.tryDebitCash(cost) {
				st.mu.Unlock()
				return nil, commonerrors.Newf(commonerrors.CodeInsufficientFunds,
					"insufficient funds: need %s", decimal.FromIntWithScale(cost, 2).StringFixed(2))
			}
		} else {
			if !user.tryDebitHoldings(ticker, order.OrigQty) {
				st.mu.Unlock()
				return nil, commonerrors.Newf(commonerrors.CodeInsufficientShares,
					"insufficient shares: need %d %s", order.OrigQty, ticker)
			}
		}
	}

	res := matching.Match(st.book, order, tif == orderbook.TIFGTC, e.idGen, order.CreatedAt)

	// 逐笔结算
	affected := map[int64]*User{user.UserID: user}
	for _, trade := range res.Trades {
		e.settleTrade(ticker, order, user, trade, affected)
	}

	if n := len(res.Trades); n > 0 {
		st.lastPrice = res.Trades[n-1].Price
	}

	// IOC 余量处置：撤销并全额解除托管
	if tif == orderbook.TIFIOC && order.LeavesQty > 0 && !user.IsMarketMaker {
		if side == orderbook.SideBuy {
			user.addCash(order.Price * order.LeavesQty)
		} else {
			user.addHoldings(ticker, order.LeavesQty)
		}
	}

	// 状态判定
	switch {
	case order.LeavesQty == 0:
		order.Status = orderbook.StatusFilled
	case tif == orderbook.TIFIOC:
		order.Status = orderbook.StatusCancelled
	case order.FilledQty() > 0:
		order.Status = orderbook.StatusPartial
	default:
		order.Status = orderbook.StatusOpen
	}

	result := &PlaceResult{
		Order:         snapshotOrder(order),
		Trades:        res.Trades,
		Status:        order.Status,
		MakerUpdates:  make([]OrderUpdate, 0, len(res.MakerUpdates)),
		AffectedUsers: make([]UserSnapshot, 0, len(affected)),
	}
	for _, maker := range res.MakerUpdates {
		result.MakerUpdates = append(result.MakerUpdates, snapshotOrder(maker))
	}
	for _, u := range affected {
		result.AffectedUsers = append(result.AffectedUsers, u.Snapshot())
	}
	sort.Slice(result.AffectedUsers, func(i, j int) bool {
		return result.AffectedUsers[i].UserID < result.AffectedUsers[j].UserID
	})

	// 成交事件：锁内入队保证每 ticker 的事件顺序；实际发送在订阅方
	// 的后台任务里完成，失败不影响引擎状态
	if len(res.Trades) > 0 && e.onTrades != nil {
		e.onTrades(ticker, res.Trades)
	}

	st.mu.Unlock()

	return result, nil
}

// settleTrade 结算一笔成交：股份交割给买方，现金交割给卖方，
// 主动买方按价差退回多托管的现金。做市商不做托管记账，但照常
// 收付现金与股份，保证对手方结算正确。
func (e *Exchange) settleTrade(ticker string, aggressor *orderbook.Order, aggrUser *User, trade *orderbook.Trade, affected map[int64]*User) {
	notional := trade.Price * trade.Qty

	seller := e.userRef(trade.SellerID)
	if seller != nil {
		if seller.IsMarketMaker {
			// 做市商卖出时未预扣持仓，结算时直接扣减（可为负）
			seller.addHoldings(ticker, -trade.Qty)
		}
		seller.addCash(notional)
		affected[seller.UserID] = seller
	}

	buyer := e.userRef(trade.BuyerID)
	if buyer != nil {
		if buyer.IsMarketMaker {
			// 做市商买入时未预扣现金，结算时直接扣减（可为负）
			buyer.addCash(-notional)
		}
		buyer.addHoldings(ticker, trade.Qty)
		affected[buyer.UserID] = buyer
	}

	// 主动买方价格改善退款：按挂单价托管，按成交价付款
	if aggressor.Side == orderbook.SideBuy && trade.BuyOrderID == aggressor.OrderID && !aggrUser.IsMarketMaker {
		if refund := (aggressor.Price - trade.Price) * trade.Qty; refund > 0 {
			aggrUser.addCash(refund)
		}
	}
}

// CancelResult 撤单结果
type CancelResult struct {
	Order        OrderUpdate
	RefundCash   int64
	RefundShares int64
	User         UserSnapshot
}

// CancelOrder 撤销在簿订单并全额退回剩余托管。
func (e *Exchange) CancelOrder(orderID, userID int64) (*CancelResult, error) {
	for _, ticker := range e.Tickers() {
		st := e.ticker(ticker)
		if st == nil {
			continue
		}
		st.mu.Lock()
		order := st.book.Get(orderID)
		if order == nil {
			st.mu.Unlock()
			continue
		}
		if order.UserID != userID {
			st.mu.Unlock()
			return nil, commonerrors.Newf(commonerrors.CodeForbidden, "order %d belongs to another user", orderID)
		}
		result := e.cancelLocked(st, order)
		st.mu.Unlock()
		return result, nil
	}
	return nil, commonerrors.Newf(commonerrors.CodeOrderNotFound, "order %d not found", orderID)
}

// CancelAllForUser 撤销某用户在指定 ticker 上的全部在簿订单。
func (e *Exchange) CancelAllForUser(ticker string, userID int64) ([]*CancelResult, error) {
	st := e.ticker(ticker)
	if st == nil {
		return nil, commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", ticker)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	orders := st.book.OrdersByUser(userID)
	results := make([]*CancelResult, 0, len(orders))
	for _, order := range orders {
		results = append(results, e.cancelLocked(st, order))
	}
	return results, nil
}

// cancelLocked 持有 ticker 锁时移除订单并退回托管。
func (e *Exchange) cancelLocked(st *tickerState, order *orderbook.Order) *CancelResult {
	st.book.Remove(order.OrderID)

	result := &CancelResult{}
	user := e.userRef(order.UserID)
	if user != nil && !user.IsMarketMaker {
		if order.Side == orderbook.SideBuy {
			result.RefundCash = order.Price * order.LeavesQty
			user.addCash(result.RefundCash)
		} else {
			result.RefundShares = order.LeavesQty
			user.addHoldings(order.Ticker, result.RefundShares)
		}
	}

	order.Status = orderbook.StatusCancelled
	result.Order = snapshotOrder(order)
	if user != nil {
		result.User = user.Snapshot()
	}
	return result
}

// RestoreOrder 启动恢复：把持久化的在簿订单直接放回订单簿，不经过
// 撮合也不重复托管（数据库中的余额已经是扣减后的净值）。
// 必须按 created_at 升序调用以保持 FIFO。
func (e *Exchange) RestoreOrder(order *orderbook.Order) error {
	st := e.ticker(order.Ticker)
	if st == nil {
		return commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", order.Ticker)
	}
	if order.LeavesQty <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "order %d has no remaining quantity", order.OrderID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	order.Seq = st.book.NextSeq()
	st.book.Add(order)
	return nil
}

// BestQuote 最优报价
type BestQuote struct {
	BidPrice int64
	BidQty   int64
	HasBid   bool
	AskPrice int64
	AskQty   int64
	HasAsk   bool
}

// GetBest 返回最优买卖价（ticker 锁内的一致快照）
func (e *Exchange) GetBest(ticker string) (BestQuote, error) {
	st := e.ticker(ticker)
	if st == nil {
		return BestQuote{}, commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", ticker)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var q BestQuote
	q.BidPrice, q.BidQty, q.HasBid = st.book.BestBid()
	q.AskPrice, q.AskQty, q.HasAsk = st.book.BestAsk()
	return q, nil
}

// GetBook 返回聚合深度（ticker 锁内的一致快照）
func (e *Exchange) GetBook(ticker string, limit int) (bids, asks []orderbook.PriceQty, err error) {
	st := e.ticker(ticker)
	if st == nil {
		return nil, nil, commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", ticker)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	bids, asks = st.book.Depth(limit)
	return bids, asks, nil
}

// LastPrice 最近成交价；尚无成交时回退到买卖中间价。
func (e *Exchange) LastPrice(ticker string) (int64, bool, error) {
	st := e.ticker(ticker)
	if st == nil {
		return 0, false, commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", ticker)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.lastPrice > 0 {
		return st.lastPrice, true, nil
	}
	bid, _, hasBid := st.book.BestBid()
	ask, _, hasAsk := st.book.BestAsk()
	if hasBid && hasAsk {
		return (bid + ask) / 2, true, nil
	}
	return 0, false, nil
}

// SetLastPrice 管理操作：设置参考价
func (e *Exchange) SetLastPrice(ticker string, price int64) error {
	st := e.ticker(ticker)
	if st == nil {
		return commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", ticker)
	}
	if price <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "price must be positive")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastPrice = price
	return nil
}

// TickerStats 单 ticker 行情统计
type TickerStats struct {
	Ticker    string `json:"ticker"`
	LastPrice int64  `json:"lastPrice"`
	HasPrice  bool   `json:"hasPrice"`
	BestBid   int64  `json:"bestBid"`
	HasBid    bool   `json:"hasBid"`
	BestAsk   int64  `json:"bestAsk"`
	HasAsk    bool   `json:"hasAsk"`
	TotalBids int    `json:"totalBids"`
	TotalAsks int    `json:"totalAsks"`
}

// Stats 全市场统计快照（每 ticker 各自取锁，跨 ticker 不保证原子）
func (e *Exchange) Stats() []TickerStats {
	tickers := e.Tickers()
	out := make([]TickerStats, 0, len(tickers))
	for _, ticker := range tickers {
		st := e.ticker(ticker)
		if st == nil {
			continue
		}
		st.mu.Lock()
		s := TickerStats{Ticker: ticker}
		s.BestBid, _, s.HasBid = st.book.BestBid()
		s.BestAsk, _, s.HasAsk = st.book.BestAsk()
		s.TotalBids = st.book.Size(orderbook.SideBuy)
		s.TotalAsks = st.book.Size(orderbook.SideSell)
		if st.lastPrice > 0 {
			s.LastPrice, s.HasPrice = st.lastPrice, true
		} else if s.HasBid && s.HasAsk {
			s.LastPrice, s.HasPrice = (s.BestBid+s.BestAsk)/2, true
		}
		out = append(out, s)
		st.mu.Unlock()
	}
	return out
}

// Portfolio 用户资产视图
type Portfolio struct {
	UserID         int64
	Username       string
	BuyingPower    int64 // 可用现金
	EscrowedCash   int64 // 在簿买单占用
	TotalCash      int64
	Holdings       map[string]int64 // 可用持仓
	EscrowedShares map[string]int64 // 在簿卖单占用
}

// GetPortfolio 汇总用户现金、持仓与在簿托管。
func (e *Exchange) GetPortfolio(userID int64) (*Portfolio, error) {
	user := e.userRef(userID)
	if user == nil {
		return nil, commonerrors.ErrUserNotFound
	}

	snap := user.Snapshot()
	p := &Portfolio{
		UserID:         snap.UserID,
		Username:       snap.Username,
		BuyingPower:    snap.Cash,
		Holdings:       snap.Holdings,
		EscrowedShares: make(map[string]int64),
	}

	for _, ticker := range e.Tickers() {
		st := e.ticker(ticker)
		if st == nil {
			continue
		}
		st.mu.Lock()
		for _, order := range st.book.OrdersByUser(userID) {
			if order.Side == orderbook.SideBuy {
				p.EscrowedCash += order.Price * order.LeavesQty
			} else {
				p.EscrowedShares[ticker] += order.LeavesQty
			}
		}
		st.mu.Unlock()
	}

	p.TotalCash = p.BuyingPower + p.EscrowedCash
	return p, nil
}

// GetOpenOrders 返回用户在指定 ticker 上的在簿订单快照。
func (e *Exchange) GetOpenOrders(ticker string, userID int64) ([]OrderUpdate, error) {
	st := e.ticker(ticker)
	if st == nil {
		return nil, commonerrors.Newf(commonerrors.CodeUnknownTicker, "ticker %q is not listed", ticker)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	orders := st.book.OrdersByUser(userID)
	out := make([]OrderUpdate, 0, len(orders))
	for _, order := range orders {
		out = append(out, snapshotOrder(order))
	}
	return out, nil
}
