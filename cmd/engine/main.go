package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/marketsim/engine/internal/bot"
	"github.com/marketsim/engine/internal/broadcast"
	"github.com/marketsim/engine/internal/config"
	"github.com/marketsim/engine/internal/exchange"
	"github.com/marketsim/engine/internal/metrics"
	"github.com/marketsim/engine/internal/orderbook"
	"github.com/marketsim/engine/internal/repository"
	"github.com/marketsim/engine/internal/service"
	"github.com/marketsim/engine/pkg/audit"
	"github.com/marketsim/engine/pkg/health"
	"github.com/marketsim/engine/pkg/logger"
	"github.com/marketsim/engine/pkg/snowflake"
	"github.com/marketsim/engine/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log.Printf("Starting %s...", cfg.ServiceName)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	appLog := logger.New(cfg.ServiceName, nil)

	// 追踪
	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	// 连接 PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to connect to database: %v", err)
	}
	pingCancel()
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     100,
		MinIdleConns: 10,
	})
	redisPingCtx, redisPingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(redisPingCtx).Err(); err != nil {
		redisPingCancel()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	redisPingCancel()
	log.Printf("Connected to Redis at %s", cfg.RedisAddr)

	// 交易所
	ex := exchange.New(snowflake.Default())
	tickers, _ := cfg.Tickers()
	for ticker, price := range tickers {
		ex.AddTicker(ticker, price)
	}
	if tif, ok := orderbook.ParseTIF(cfg.DefaultTIF); ok {
		ex.SetDefaultTIF(tif)
	}

	// 成交事件广播
	broadcaster := broadcast.New(redisClient, cfg.TradeStream, 4096, appLog)
	broadcaster.Start()
	ex.SetTradeHandler(broadcaster.Publish)

	// 审计
	auditor := audit.NewDBLogger(db, snowflake.MustNextID, func(err error) {
		appLog.WithError(err).Warn("audit write error")
	})

	// 服务层
	store := repository.New(db)
	startingCash, _ := cfg.StartingCashCents()
	svc := service.New(ex, store, snowflake.Default(), startingCash, appLog, auditor)

	// 启动恢复：用户与在簿订单装回内存
	if err := svc.LoadState(ctx); err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}

	// 做市机器人
	var liquidityBot *bot.LiquidityBot
	if cfg.BotEnabled {
		mmUserID, err := svc.EnsureMarketMaker(ctx, cfg.BotUsername)
		if err != nil {
			log.Fatalf("Failed to ensure market maker: %v", err)
		}
		liquidityBot = bot.New(svc, mmUserID, bot.Config{
			Interval:  cfg.BotInterval,
			SpreadPct: cfg.BotSpread,
			QtyMin:    cfg.BotQtyMin,
			QtyMax:    cfg.BotQtyMax,
		}, appLog)
		if err := liquidityBot.Start(); err != nil {
			log.Fatalf("Failed to start liquidity bot: %v", err)
		}
	}

	// 深度指标定时刷新
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range ex.Stats() {
					metrics.SetOrderbookDepth(s.Ticker, "bid", float64(s.TotalBids))
					metrics.SetOrderbookDepth(s.Ticker, "ask", float64(s.TotalAsks))
				}
			}
		}
	}()

	// 健康检查
	hc := health.New()
	hc.Register(health.DBChecker("postgres", db))
	hc.Register(health.CheckFunc{
		CheckerName: "redis",
		Fn: func(checkCtx context.Context) health.CheckResult {
			start := time.Now()
			err := redisClient.Ping(checkCtx).Err()
			r := health.CheckResult{Status: health.StatusUp, Latency: time.Since(start)}
			if err != nil {
				r.Status = health.StatusDown
				r.Message = err.Error()
			}
			return r
		},
	})
	hc.Register(health.CheckFunc{
		CheckerName: "tradeBroadcast",
		Fn: func(context.Context) health.CheckResult {
			ok, age, lastErr := broadcaster.LoopHealthy(time.Now(), 30*time.Second)
			r := health.CheckResult{Status: health.StatusUp, Latency: age}
			if !ok {
				r.Status = health.StatusDown
				r.Message = lastErr
			}
			return r
		},
	})
	if liquidityBot != nil {
		botMaxAge := 3 * cfg.BotInterval
		hc.Register(health.CheckFunc{
			CheckerName: "liquidityBot",
			Fn: func(context.Context) health.CheckResult {
				ok, age, lastErr := liquidityBot.LoopHealthy(time.Now(), botMaxAge)
				r := health.CheckResult{Status: health.StatusUp, Latency: age}
				if !ok {
					r.Status = health.StatusDown
					r.Message = lastErr
				}
				return r
			},
		})
	}
	hc.SetReady(true)

	// HTTP：健康检查 + 指标 + 只读行情
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hc.Handler())
	mux.HandleFunc("/ready", hc.ReadyHandler())
	mux.HandleFunc("/live", hc.LiveHandler())
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/depth", func(w http.ResponseWriter, r *http.Request) {
		ticker := r.URL.Query().Get("ticker")
		if ticker == "" {
			http.Error(w, "ticker required", http.StatusBadRequest)
			return
		}
		limit := 20
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		bids, asks, err := ex.GetBook(ticker, limit)
		if err != nil {
			http.Error(w, "ticker not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]interface{}{
			"ticker": ticker,
			"bids":   bids,
			"asks":   asks,
		})
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ex.Stats())
	})

	mux.HandleFunc("/trades", func(w http.ResponseWriter, r *http.Request) {
		ticker := r.URL.Query().Get("ticker")
		if ticker == "" {
			http.Error(w, "ticker required", http.StatusBadRequest)
			return
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			limit, _ = strconv.Atoi(s)
		}
		trades, err := svc.ListTrades(r.Context(), ticker, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, trades)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           tracing.HTTPMiddleware(mux),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()

	if liquidityBot != nil {
		liquidityBot.Stop()
	}
	broadcaster.Stop()
	auditor.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	shutdownTracing(shutdownCtx)
	redisClient.Close()
	db.Close()
	log.Println("Shutdown complete")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
