// Package errors 定义统一错误码
package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK           Code = "OK"
	CodeUnknown      Code = "UNKNOWN"
	CodeInvalidParam Code = "INVALID_PARAM"
	CodeNotFound     Code = "NOT_FOUND"
	CodeForbidden    Code = "FORBIDDEN"
	CodeInternal     Code = "INTERNAL"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeTimeout      Code = "TIMEOUT"

	// 交易
	CodeUnknownTicker    Code = "UNKNOWN_TICKER"
	CodeInvalidOrder     Code = "INVALID_ORDER"
	CodeInvalidSide      Code = "INVALID_SIDE"
	CodeInvalidTIF       Code = "INVALID_TIME_IN_FORCE"
	CodeNotFullyFillable Code = "NOT_FULLY_FILLABLE"
	CodeOrderNotFound    Code = "ORDER_NOT_FOUND"

	// 资金
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientShares Code = "INSUFFICIENT_SHARES"

	// 用户
	CodeUserNotFound   Code = "USER_NOT_FOUND"
	CodeUsernameExists Code = "USERNAME_EXISTS"

	// 系统
	CodeSystemBusy Code = "SYSTEM_BUSY"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// CodeOf 提取错误码，非业务错误返回 CodeUnknown
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return CodeUnknown
}

// Is 判断错误是否携带指定错误码
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeSystemBusy, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidOrder, CodeInvalidSide, CodeInvalidTIF,
		CodeInsufficientFunds, CodeInsufficientShares, CodeNotFullyFillable:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound, CodeOrderNotFound, CodeUserNotFound, CodeUnknownTicker:
		return http.StatusNotFound
	case CodeUsernameExists:
		return http.StatusConflict
	case CodeInternal, CodeUnknown:
		return http.StatusInternalServerError
	case CodeUnavailable, CodeSystemBusy:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrForbidden          = New(CodeForbidden, "forbidden")
	ErrOrderNotFound      = New(CodeOrderNotFound, "order not found")
	ErrUserNotFound       = New(CodeUserNotFound, "user not registered")
	ErrInsufficientFunds  = New(CodeInsufficientFunds, "insufficient funds")
	ErrInsufficientShares = New(CodeInsufficientShares, "insufficient shares")
	ErrNotFullyFillable   = New(CodeNotFullyFillable, "order cannot be fully filled")
)
