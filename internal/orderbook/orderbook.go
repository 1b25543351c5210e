// Package orderbook 订单簿实现
package orderbook

import (
	"container/list"
)

// Side 订单方向
type Side int

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	}
	return "unknown"
}

// Opposite 对手方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide 解析订单方向
func ParseSide(s string) (Side, bool) {
	switch s {
	case "buy", "BUY":
		return SideBuy, true
	case "sell", "SELL":
		return SideSell, true
	}
	return 0, false
}

// TimeInForce 订单有效期
type TimeInForce int

const (
	TIFGTC TimeInForce = 1
	TIFIOC TimeInForce = 2
	TIFFOK TimeInForce = 3
)

func (t TimeInForce) String() string {
	switch t {
	case TIFGTC:
		return "GTC"
	case TIFIOC:
		return "IOC"
	case TIFFOK:
		return "FOK"
	}
	return "unknown"
}

// ParseTIF 解析有效期类型
func ParseTIF(s string) (TimeInForce, bool) {
	switch s {
	case "GTC", "gtc":
		return TIFGTC, true
	case "IOC", "ioc":
		return TIFIOC, true
	case "FOK", "fok":
		return TIFFOK, true
	}
	return 0, false
}

// Status 订单状态
type Status int

const (
	StatusOpen      Status = 1
	StatusPartial   Status = 2
	StatusFilled    Status = 3
	StatusCancelled Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPartial:
		return "partial"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Order 订单
type Order struct {
	OrderID     int64
	UserID      int64
	Ticker      string
	Side        Side
	Price       int64 // 最小单位整数（分）
	OrigQty     int64 // 原始数量
	LeavesQty   int64 // 剩余数量
	TimeInForce TimeInForce
	Status      Status
	Seq         int64 // 同价位 FIFO 序号，由订单簿分配
	CreatedAt   int64 // Unix 毫秒时间戳
	element     *list.Element
}

// FilledQty 已成交数量
func (o *Order) FilledQty() int64 {
	return o.OrigQty - o.LeavesQty
}

// Resting 是否仍在订单簿上
func (o *Order) Resting() bool {
	return o.element != nil
}

// Trade 成交
type Trade struct {
	TradeID     int64
	Ticker      string
	Price       int64
	Qty         int64
	BuyerID     int64
	SellerID    int64
	BuyOrderID  int64
	SellOrderID int64
	CreatedAt   int64 // Unix 毫秒时间戳
}

// PriceLevel 价格档位
type PriceLevel struct {
	Price  int64
	Orders *list.List // *Order
	Total  int64      // 该档位总剩余数量
}

// PriceQty 价格数量对
type PriceQty struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// OrderBook 单一 ticker 的订单簿。
//
// 自身不加锁：所有读写都必须在交易所对应 ticker 的串行化上下文内进行。
type OrderBook struct {
	Ticker string

	// 买盘：价格降序（高价优先）
	bids map[int64]*PriceLevel
	// 卖盘：价格升序（低价优先）
	asks map[int64]*PriceLevel

	// 订单索引
	orders map[int64]*Order

	// 价格排序缓存
	bidPrices []int64
	askPrices []int64

	// FIFO 序号
	seq int64
}

// New 创建订单簿
func New(ticker string) *OrderBook {
	return &OrderBook{
		Ticker:    ticker,
		bids:      make(map[int64]*PriceLevel),
		asks:      make(map[int64]*PriceLevel),
		orders:    make(map[int64]*Order),
		bidPrices: make([]int64, 0),
		askPrices: make([]int64, 0),
	}
}

// NextSeq 分配 FIFO 序号。同价位按该序号先后排队。
func (ob *OrderBook) NextSeq() int64 {
	ob.seq++
	return ob.seq
}

// Add 添加订单到订单簿
func (ob *OrderBook) Add(order *Order) {
	if order.Seq == 0 {
		order.Seq = ob.NextSeq()
	}

	levels, prices := ob.side(order.Side)

	level, exists := levels[order.Price]
	if !exists {
		level = &PriceLevel{
			Price:  order.Price,
			Orders: list.New(),
		}
		levels[order.Price] = level
		*prices = insertPrice(*prices, order.Price, order.Side == SideBuy)
	}

	order.element = level.Orders.PushBack(order)
	level.Total += order.LeavesQty
	ob.orders[order.OrderID] = order
}

// Remove 从订单簿移除订单；订单不在簿上时返回 nil
func (ob *OrderBook) Remove(orderID int64) *Order {
	order, exists := ob.orders[orderID]
	if !exists {
		return nil
	}

	levels, prices := ob.side(order.Side)

	level := levels[order.Price]
	if level != nil {
		level.Orders.Remove(order.element)
		level.Total -= order.LeavesQty

		if level.Orders.Len() == 0 {
			delete(levels, order.Price)
			*prices = removePrice(*prices, order.Price)
		}
	}

	order.element = nil
	delete(ob.orders, orderID)
	return order
}

// Get 按 ID 查找在簿订单
func (ob *OrderBook) Get(orderID int64) *Order {
	return ob.orders[orderID]
}

// Top 返回指定方向的队首订单（最优价、最早序号）
func (ob *OrderBook) Top(side Side) *Order {
	levels, prices := ob.side(side)
	if len(*prices) == 0 {
		return nil
	}
	level := levels[(*prices)[0]]
	front := level.Orders.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Order)
}

// Fill 扣减在簿订单的剩余数量；数量归零时将其移出订单簿
func (ob *OrderBook) Fill(order *Order, qty int64) {
	levels, prices := ob.side(order.Side)

	level := levels[order.Price]
	if level != nil {
		level.Total -= qty
	}
	order.LeavesQty -= qty

	if order.LeavesQty <= 0 && level != nil {
		level.Orders.Remove(order.element)
		order.element = nil
		delete(ob.orders, order.OrderID)

		if level.Orders.Len() == 0 {
			delete(levels, order.Price)
			*prices = removePrice(*prices, order.Price)
		}
	}
}

// BestBid 最优买价及该档位总量
func (ob *OrderBook) BestBid() (int64, int64, bool) {
	if len(ob.bidPrices) == 0 {
		return 0, 0, false
	}
	price := ob.bidPrices[0]
	level := ob.bids[price]
	return price, level.Total, true
}

// BestAsk 最优卖价及该档位总量
func (ob *OrderBook) BestAsk() (int64, int64, bool) {
	if len(ob.askPrices) == 0 {
		return 0, 0, false
	}
	price := ob.askPrices[0]
	level := ob.asks[price]
	return price, level.Total, true
}

// Depth 获取聚合深度。limit <= 0 表示不限档位数。
func (ob *OrderBook) Depth(limit int) (bids, asks []PriceQty) {
	bidLimit := len(ob.bidPrices)
	askLimit := len(ob.askPrices)
	if limit > 0 {
		if limit < bidLimit {
			bidLimit = limit
		}
		if limit < askLimit {
			askLimit = limit
		}
	}

	bids = make([]PriceQty, 0, bidLimit)
	for i := 0; i < bidLimit; i++ {
		price := ob.bidPrices[i]
		bids = append(bids, PriceQty{Price: price, Qty: ob.bids[price].Total})
	}

	asks = make([]PriceQty, 0, askLimit)
	for i := 0; i < askLimit; i++ {
		price := ob.askPrices[i]
		asks = append(asks, PriceQty{Price: price, Qty: ob.asks[price].Total})
	}
	return bids, asks
}

// Orders 按撮合优先级返回一侧的全部在簿订单
func (ob *OrderBook) Orders(side Side) []*Order {
	levels, prices := ob.side(side)
	out := make([]*Order, 0, len(ob.orders))
	for _, price := range *prices {
		level := levels[price]
		for e := level.Orders.Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*Order))
		}
	}
	return out
}

// OrdersByUser 返回某用户的全部在簿订单（先买后卖，各按优先级）
func (ob *OrderBook) OrdersByUser(userID int64) []*Order {
	var out []*Order
	for _, side := range []Side{SideBuy, SideSell} {
		for _, order := range ob.Orders(side) {
			if order.UserID == userID {
				out = append(out, order)
			}
		}
	}
	return out
}

// Size 一侧的在簿订单数
func (ob *OrderBook) Size(side Side) int {
	n := 0
	levels, prices := ob.side(side)
	for _, price := range *prices {
		n += levels[price].Orders.Len()
	}
	return n
}

// Levels 按优先级返回一侧的价格档位（价格与总量）
func (ob *OrderBook) Levels(side Side) []PriceQty {
	levels, prices := ob.side(side)
	out := make([]PriceQty, 0, len(*prices))
	for _, price := range *prices {
		out = append(out, PriceQty{Price: price, Qty: levels[price].Total})
	}
	return out
}

func (ob *OrderBook) side(side Side) (map[int64]*PriceLevel, *[]int64) {
	if side == SideBuy {
		return ob.bids, &ob.bidPrices
	}
	return ob.asks, &ob.askPrices
}

// insertPrice 插入价格并保持排序
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	i := 0
	for i < len(prices) {
		if descending {
			if price > prices[i] {
				break
			}
		} else {
			if price < prices[i] {
				break
			}
		}
		i++
	}

	prices = append(prices, 0)
	copy(prices[i+1:], prices[i:])
	prices[i] = price
	return prices
}

// removePrice 移除价格
func removePrice(prices []int64, price int64) []int64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}
