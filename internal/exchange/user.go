package exchange

import (
	"sync"
)

// User 交易所内存中的用户账户。交易期间内存状态为权威数据。
//
// 现金与持仓采用「先扣后退」模式：挂单时立即扣减，撤单或价格改善时
// 退回。因此 Cash 即购买力，Holdings 即可用持仓。
type User struct {
	mu sync.Mutex

	UserID        int64
	Username      string
	Cash          int64 // 最小单位整数（分）
	Holdings      map[string]int64
	IsMarketMaker bool
}

// NewUser 创建用户账户
func NewUser(userID int64, username string, cash int64, isMarketMaker bool) *User {
	return &User{
		UserID:        userID,
		Username:      username,
		Cash:          cash,
		Holdings:      make(map[string]int64),
		IsMarketMaker: isMarketMaker,
	}
}

// UserSnapshot 账户快照（用于持久化与查询）
type UserSnapshot struct {
	UserID        int64
	Username      string
	Cash          int64
	Holdings      map[string]int64
	IsMarketMaker bool
}

// Snapshot 返回账户的一致性快照
func (u *User) Snapshot() UserSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	holdings := make(map[string]int64, len(u.Holdings))
	for ticker, qty := range u.Holdings {
		holdings[ticker] = qty
	}
	return UserSnapshot{
		UserID:        u.UserID,
		Username:      u.Username,
		Cash:          u.Cash,
		Holdings:      holdings,
		IsMarketMaker: u.IsMarketMaker,
	}
}

// tryDebitCash 校验并扣减现金；余额不足时返回 false 且不改动
func (u *User) tryDebitCash(amount int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Cash < amount {
		return false
	}
	u.Cash -= amount
	return true
}

// tryDebitHoldings 校验并扣减持仓；不足时返回 false 且不改动
func (u *User) tryDebitHoldings(ticker string, qty int64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Holdings[ticker] < qty {
		return false
	}
	u.Holdings[ticker] -= qty
	return true
}

// addCash 无条件调整现金。做市商结算时余额可为负。
func (u *User) addCash(delta int64) {
	u.mu.Lock()
	u.Cash += delta
	u.mu.Unlock()
}

// addHoldings 无条件调整持仓。做市商结算时持仓可为负。
func (u *User) addHoldings(ticker string, delta int64) {
	u.mu.Lock()
	u.Holdings[ticker] += delta
	u.mu.Unlock()
}

// SetHoldings 直接设置持仓（启动加载时使用）
func (u *User) SetHoldings(ticker string, qty int64) {
	u.mu.Lock()
	u.Holdings[ticker] = qty
	u.mu.Unlock()
}
