package validate

import (
	"regexp"
	"strings"

	commonerrors "github.com/marketsim/engine/pkg/errors"
)

// 价格与现金统一保留 2 位小数（最小单位：分）
const PriceScale = 2

var (
	tickerRe   = regexp.MustCompile(`^[A-Z]{2,8}$`)
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)
)

// Ticker 校验代码格式（如 FUN、MEME）
func Ticker(s string) error {
	if s == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "ticker is required")
	}
	if !tickerRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid ticker: %q (expected 2-8 uppercase letters)", s)
	}
	return nil
}

// Side 校验订单方向
func Side(s string) error {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "sell":
		return nil
	default:
		return commonerrors.Newf(commonerrors.CodeInvalidSide, "invalid side: %q (expected buy or sell)", s)
	}
}

// TimeInForce 校验有效期类型
func TimeInForce(s string) error {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GTC", "IOC", "FOK", "":
		return nil
	default:
		return commonerrors.Newf(commonerrors.CodeInvalidTIF, "invalid timeInForce: %q (expected GTC/IOC/FOK)", s)
	}
}

// Price 校验价格（最小单位整数，必须 > 0）
func Price(price int64) error {
	if price <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "price must be positive, got %d", price)
	}
	return nil
}

// Quantity 校验数量（必须 > 0）
func Quantity(qty int64) error {
	if qty <= 0 {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "quantity must be positive, got %d", qty)
	}
	return nil
}

// Username 校验用户名
func Username(s string) error {
	if !usernameRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid username: %q (expected 3-32 word characters)", s)
	}
	return nil
}
