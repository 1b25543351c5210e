// Package broadcast 成交事件广播：引擎侧非阻塞入队，后台协程写入
// Redis Stream，下游（行情推送、K 线聚合等）按消费者组订阅。
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketsim/engine/internal/metrics"
	"github.com/marketsim/engine/internal/orderbook"
	"github.com/marketsim/engine/pkg/health"
	"github.com/marketsim/engine/pkg/logger"
)

// TradeEvent 写入 Stream 的成交事件
type TradeEvent struct {
	Ticker    string       `json:"ticker"`
	Seq       int64        `json:"seq"`
	Timestamp int64        `json:"timestamp"`
	Trades    []TradeEntry `json:"trades"`
}

// TradeEntry 单笔成交
type TradeEntry struct {
	TradeID     int64  `json:"tradeId"`
	Price       int64  `json:"price"`
	Qty         int64  `json:"qty"`
	BuyerID     int64  `json:"buyerId"`
	SellerID    int64  `json:"sellerId"`
	BuyOrderID  int64  `json:"buyOrderId"`
	SellOrderID int64  `json:"sellOrderId"`
	CreatedAt   int64  `json:"createdAt"`
}

// Broadcaster 成交事件发布器
type Broadcaster struct {
	redis  *redis.Client
	stream string
	log    *logger.Logger

	queue chan *TradeEvent
	seq   int64
	seqMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loop   health.LoopMonitor
}

// New 创建发布器。queueSize 为引擎与后台写入之间的缓冲大小。
func New(redisClient *redis.Client, stream string, queueSize int, log *logger.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if log == nil {
		log = logger.New("broadcast", nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		redis:  redisClient,
		stream: stream,
		log:    log,
		queue:  make(chan *TradeEvent, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动后台写入协程
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop 停止并等待队列内事件写完
func (b *Broadcaster) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Publish 引擎回调入口。绝不阻塞：队列满时丢弃并记录。
// 事件丢失不影响引擎正确性，下游以持久化数据为准。
func (b *Broadcaster) Publish(ticker string, trades []*orderbook.Trade) {
	if len(trades) == 0 {
		return
	}

	entries := make([]TradeEntry, 0, len(trades))
	for _, t := range trades {
		entries = append(entries, TradeEntry{
			TradeID:     t.TradeID,
			Price:       t.Price,
			Qty:         t.Qty,
			BuyerID:     t.BuyerID,
			SellerID:    t.SellerID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			CreatedAt:   t.CreatedAt,
		})
	}

	b.seqMu.Lock()
	b.seq++
	seq := b.seq
	b.seqMu.Unlock()

	event := &TradeEvent{
		Ticker:    ticker,
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Trades:    entries,
	}

	select {
	case b.queue <- event:
	default:
		metrics.IncBroadcastDropped()
		b.log.WithField("ticker", ticker).Warn("broadcast queue full, event dropped")
	}
}

// LoopHealthy 后台写入循环健康状态
func (b *Broadcaster) LoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return b.loop.Healthy(now, maxAge)
}

func (b *Broadcaster) run() {
	defer b.wg.Done()

	b.loop.Tick()
	keepAlive := time.NewTicker(time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-b.ctx.Done():
			// 退出前清空队列
			for {
				select {
				case event := <-b.queue:
					b.publishEvent(context.Background(), event)
				default:
					return
				}
			}
		case <-keepAlive.C:
			b.loop.Tick()
		case event := <-b.queue:
			b.loop.Tick()
			if err := b.publishEvent(b.ctx, event); err != nil {
				if b.ctx.Err() != nil {
					// 停止期间取出的事件同样写完再退出
					b.publishEvent(context.Background(), event)
				} else {
					b.loop.SetError(err)
					b.log.WithError(err).Warn("publish trade event error")
				}
			}
		}
	}
}

// publishEvent 带退避重试地写入 Stream
func (b *Broadcaster) publishEvent(ctx context.Context, event *TradeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	backoff := 200 * time.Millisecond
	const maxAttempts = 5
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := b.redis.XAdd(sendCtx, &redis.XAddArgs{
			Stream: b.stream,
			Values: map[string]interface{}{
				"data": string(payload),
			},
		}).Result()
		cancel()
		if err == nil {
			metrics.IncBroadcastPublished()
			return nil
		}
		lastErr = err

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return lastErr
}
