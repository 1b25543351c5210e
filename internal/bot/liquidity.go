// Package bot 流动性做市机器人。
//
// 固定节奏对每个 ticker 撤掉上一轮报价，围绕最近成交价挂出双边
// GTC 报价。做市商账户跳过托管校验，因此不会因库存耗尽而停摆；
// 其订单与成交走与普通用户相同的持久化契约。
package bot

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marketsim/engine/internal/metrics"
	"github.com/marketsim/engine/internal/service"
	"github.com/marketsim/engine/pkg/decimal"
	"github.com/marketsim/engine/pkg/health"
	"github.com/marketsim/engine/pkg/logger"
	"github.com/marketsim/engine/pkg/validate"
)

// Config 机器人配置
type Config struct {
	Interval  time.Duration // 报价节奏
	SpreadPct float64       // 半边价差比例（如 0.01 = 1%）
	QtyMin    int64         // 单笔报价数量下限
	QtyMax    int64         // 单笔报价数量上限
}

// LiquidityBot 做市机器人
type LiquidityBot struct {
	svc      *service.Service
	mmUserID int64
	cfg      Config
	log      *logger.Logger

	cron *cron.Cron
	loop health.LoopMonitor
}

// New 创建机器人
func New(svc *service.Service, mmUserID int64, cfg Config, log *logger.Logger) *LiquidityBot {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.SpreadPct <= 0 {
		cfg.SpreadPct = 0.01
	}
	if cfg.QtyMin <= 0 {
		cfg.QtyMin = 5
	}
	if cfg.QtyMax < cfg.QtyMin {
		cfg.QtyMax = cfg.QtyMin
	}
	if log == nil {
		log = logger.New("liquidity-bot", nil)
	}
	return &LiquidityBot{
		svc:      svc,
		mmUserID: mmUserID,
		cfg:      cfg,
		log:      log,
	}
}

// Start 启动定时报价
func (b *LiquidityBot) Start() error {
	b.cron = cron.New()
	_, err := b.cron.AddFunc("@every "+b.cfg.Interval.String(), b.quoteAll)
	if err != nil {
		return err
	}
	b.cron.Start()
	b.loop.Tick()
	b.log.Infof("liquidity bot started", map[string]interface{}{
		"interval": b.cfg.Interval.String(),
		"spread":   b.cfg.SpreadPct,
	})
	return nil
}

// Stop 停止并等待在途轮次结束
func (b *LiquidityBot) Stop() {
	if b.cron != nil {
		ctx := b.cron.Stop()
		<-ctx.Done()
	}
	b.log.Info("liquidity bot stopped")
}

// LoopHealthy 报价循环健康状态
func (b *LiquidityBot) LoopHealthy(now time.Time, maxAge time.Duration) (bool, time.Duration, string) {
	return b.loop.Healthy(now, maxAge)
}

func (b *LiquidityBot) quoteAll() {
	b.loop.Tick()
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Interval)
	defer cancel()

	for _, ticker := range b.svc.Exchange().Tickers() {
		if err := b.quoteTicker(ctx, ticker); err != nil {
			b.loop.SetError(err)
			b.log.WithError(err).WithField("ticker", ticker).Warn("quote ticker error")
		}
	}
}

// quoteTicker 撤旧报价，围绕参考价挂新双边报价。
func (b *LiquidityBot) quoteTicker(ctx context.Context, ticker string) error {
	price, ok, err := b.svc.Exchange().LastPrice(ticker)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if _, err := b.svc.CancelAllForUser(ctx, ticker, b.mmUserID); err != nil {
		return err
	}

	spread := int64(math.Round(float64(price) * b.cfg.SpreadPct))
	bidPrice := price - spread
	askPrice := price + spread
	if bidPrice < 1 {
		bidPrice = 1
	}
	qty := b.cfg.QtyMin + rand.Int63n(b.cfg.QtyMax-b.cfg.QtyMin+1)

	bid := &service.PlaceOrderRequest{
		UserID:      b.mmUserID,
		Ticker:      ticker,
		Side:        "buy",
		Price:       formatPrice(bidPrice),
		Quantity:    qty,
		TimeInForce: "GTC",
	}
	if _, err := b.svc.PlaceOrder(ctx, bid); err != nil {
		return err
	}
	metrics.IncBotQuotes(ticker)

	ask := &service.PlaceOrderRequest{
		UserID:      b.mmUserID,
		Ticker:      ticker,
		Side:        "sell",
		Price:       formatPrice(askPrice),
		Quantity:    qty,
		TimeInForce: "GTC",
	}
	if _, err := b.svc.PlaceOrder(ctx, ask); err != nil {
		return err
	}
	metrics.IncBotQuotes(ticker)

	return nil
}

func formatPrice(cents int64) string {
	return decimal.FromIntWithScale(cents, validate.PriceScale).StringFixed(validate.PriceScale)
}
