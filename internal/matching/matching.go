// Package matching 撮合逻辑。无状态：每次调用作用于单个订单簿。
//
// 撮合只改动订单数量与订单簿，不触碰任何资金或持仓。
package matching

import (
	"github.com/marketsim/engine/internal/orderbook"
)

// IDGenerator 成交 ID 生成器
type IDGenerator interface {
	NextID() int64
}

// Result 撮合结果
type Result struct {
	Trades       []*orderbook.Trade
	MakerUpdates []*orderbook.Order // 数量发生变化的被动方订单
	TakerFilled  bool               // 主动方是否完全成交
	Rested       bool               // 剩余部分是否已挂入订单簿
}

// crosses 判断主动方价格能否与被动方价格成交
func crosses(takerSide orderbook.Side, takerPrice, makerPrice int64) bool {
	if takerSide == orderbook.SideBuy {
		return takerPrice >= makerPrice
	}
	return takerPrice <= makerPrice
}

// Match 将主动方订单与订单簿对手方向撮合。
//
// 成交价恒为被动方挂单价（主动方享受价格改善）。两侧订单的
// LeavesQty 被原地扣减；调用方如需原始数量应在调用前读取 OrigQty。
// addRemainder 为 true 时未成交余量挂入订单簿。
func Match(book *orderbook.OrderBook, taker *orderbook.Order, addRemainder bool, idGen IDGenerator, nowMs int64) *Result {
	result := &Result{
		Trades:       make([]*orderbook.Trade, 0),
		MakerUpdates: make([]*orderbook.Order, 0),
	}

	contra := taker.Side.Opposite()

	for taker.LeavesQty > 0 {
		maker := book.Top(contra)
		if maker == nil || !crosses(taker.Side, taker.Price, maker.Price) {
			break
		}

		fillQty := taker.LeavesQty
		if maker.LeavesQty < fillQty {
			fillQty = maker.LeavesQty
		}

		trade := &orderbook.Trade{
			TradeID:   idGen.NextID(),
			Ticker:    book.Ticker,
			Price:     maker.Price, // 成交价为被动方价格
			Qty:       fillQty,
			CreatedAt: nowMs,
		}
		if taker.Side == orderbook.SideBuy {
			trade.BuyerID = taker.UserID
			trade.SellerID = maker.UserID
			trade.BuyOrderID = taker.OrderID
			trade.SellOrderID = maker.OrderID
		} else {
			trade.BuyerID = maker.UserID
			trade.SellerID = taker.UserID
			trade.BuyOrderID = maker.OrderID
			trade.SellOrderID = taker.OrderID
		}
		result.Trades = append(result.Trades, trade)

		taker.LeavesQty -= fillQty
		book.Fill(maker, fillQty)

		if maker.LeavesQty == 0 {
			maker.Status = orderbook.StatusFilled
		} else {
			maker.Status = orderbook.StatusPartial
		}
		result.MakerUpdates = append(result.MakerUpdates, maker)
	}

	result.TakerFilled = taker.LeavesQty == 0

	if taker.LeavesQty > 0 && addRemainder {
		book.Add(taker)
		result.Rested = true
	}

	return result
}

// FillableQty 不改动订单簿，计算对手方向在满足价格条件的档位上
// 最多可成交的数量，累计达到 need 即提前返回。用于 FOK 预检。
func FillableQty(book *orderbook.OrderBook, takerSide orderbook.Side, takerPrice, need int64) int64 {
	var total int64
	for _, level := range book.Levels(takerSide.Opposite()) {
		if !crosses(takerSide, takerPrice, level.Price) {
			break
		}
		total += level.Qty
		if total >= need {
			return total
		}
	}
	return total
}
