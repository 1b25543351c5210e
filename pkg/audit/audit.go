// Package audit 审计日志（append-only）
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	// 用户
	EventUserRegistered EventType = "USER_REGISTERED"

	// 交易操作
	EventOrderPlaced   EventType = "ORDER_PLACED"
	EventOrderCanceled EventType = "ORDER_CANCELED"

	// 管理员操作
	EventLastPriceSet EventType = "LAST_PRICE_SET"
	EventTickerListed EventType = "TICKER_LISTED"
)

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

type AuditLog struct {
	ID         int64     `json:"id"`
	EventType  EventType `json:"eventType"`
	UserID     int64     `json:"userId"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resourceId"`
	Params     string    `json:"params"`
	Result     string    `json:"result"`
	ErrorMsg   string    `json:"errorMsg"`
	Timestamp  int64     `json:"timestamp"`
}

type Logger interface {
	Log(ctx context.Context, log *AuditLog) error
}

// NewLog 创建审计日志。Timestamp 使用 Unix 毫秒。
func NewLog(eventType EventType, userID int64) *AuditLog {
	return &AuditLog{
		EventType: eventType,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
		Result:    ResultSuccess,
		Params:    "{}",
	}
}

// WithResource 设置资源。
func (l *AuditLog) WithResource(resource, resourceID string) *AuditLog {
	if l == nil {
		return nil
	}
	l.Resource = resource
	l.ResourceID = resourceID
	return l
}

// WithParams 设置参数（自动脱敏敏感字段）。
func (l *AuditLog) WithParams(params map[string]interface{}) *AuditLog {
	if l == nil {
		return nil
	}
	safe := SanitizeParams(params)
	b, err := json.Marshal(safe)
	if err != nil {
		l.Params = "{}"
		return l
	}
	l.Params = string(b)
	return l
}

// WithResult 设置结果。
func (l *AuditLog) WithResult(success bool, errMsg string) *AuditLog {
	if l == nil {
		return nil
	}
	if success {
		l.Result = ResultSuccess
		l.ErrorMsg = ""
		return l
	}
	l.Result = ResultFailed
	l.ErrorMsg = errMsg
	return l
}

// SanitizeParams 脱敏敏感参数。
func SanitizeParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = "***"
			continue
		}
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = SanitizeParams(m)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	return strings.Contains(k, "password") ||
		strings.Contains(k, "secret") ||
		strings.Contains(k, "token") ||
		strings.Contains(k, "apikey") ||
		strings.Contains(k, "api_key")
}

// DBLogger 使用 PostgreSQL（database/sql）实现审计日志存储，默认异步写入
// 以避免影响主业务流程。表名固定为 marketsim.audit_logs。
type DBLogger struct {
	db *sql.DB

	insertQueue chan *AuditLog
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	idGen   func() int64
	onError func(error)
}

// NewDBLogger 创建异步审计日志器。idGen 为日志 ID 生成函数。
func NewDBLogger(db *sql.DB, idGen func() int64, onError func(error)) *DBLogger {
	ctx, cancel := context.WithCancel(context.Background())
	l := &DBLogger{
		db:          db,
		insertQueue: make(chan *AuditLog, 1024),
		cancel:      cancel,
		idGen:       idGen,
		onError:     onError,
	}
	l.wg.Add(1)
	go l.worker(ctx)
	return l
}

// Log 异步入队；队列满时丢弃并上报 onError。
func (l *DBLogger) Log(_ context.Context, entry *AuditLog) error {
	if entry == nil {
		return nil
	}
	if entry.ID == 0 && l.idGen != nil {
		entry.ID = l.idGen()
	}
	select {
	case l.insertQueue <- entry:
	default:
		if l.onError != nil {
			l.onError(errQueueFull)
		}
	}
	return nil
}

var errQueueFull = &queueFullError{}

type queueFullError struct{}

func (*queueFullError) Error() string { return "audit queue full" }

func (l *DBLogger) worker(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// 退出前清空队列
			for {
				select {
				case entry := <-l.insertQueue:
					l.insert(entry)
				default:
					return
				}
			}
		case entry := <-l.insertQueue:
			l.insert(entry)
		}
	}
}

func (l *DBLogger) insert(entry *AuditLog) {
	query := `
		INSERT INTO marketsim.audit_logs
		(id, event_type, user_id, resource, resource_id, params, result, error_msg, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	insertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(insertCtx, query,
		entry.ID, string(entry.EventType), entry.UserID, entry.Resource, entry.ResourceID,
		entry.Params, entry.Result, entry.ErrorMsg, entry.Timestamp,
	)
	if err != nil && l.onError != nil {
		l.onError(err)
	}
}

// Close 停止后台写入并等待队列清空。
func (l *DBLogger) Close() {
	l.cancel()
	l.wg.Wait()
}
