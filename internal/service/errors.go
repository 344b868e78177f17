package service

import (
	"fmt"
)

// 出错阶段
const (
	PhaseAuth    = "auth"
	PhaseFetch   = "fetch"
	PhaseParse   = "parse"
	PhasePersist = "persist"
)

// AuthError 令牌刷新失败 (被拒或重试耗尽)
// 该账户剩余工作终止，不影响其他账户
type AuthError struct {
	Account string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for account %s: %v", e.Account, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ItemFetchError 单个商品失败，兄弟任务继续
type ItemFetchError struct {
	Account   string
	ListingID string
	Phase     string
	Err       error
}

func (e *ItemFetchError) Error() string {
	return fmt.Sprintf("item %s (account %s, phase %s): %v", e.ListingID, e.Account, e.Phase, e.Err)
}

func (e *ItemFetchError) Unwrap() error { return e.Err }

// PaginationInconsistency 声明总数与实际分页不一致，只告警
type PaginationInconsistency struct {
	Account  string
	Declared int
	Observed int
	Pages    int
	Detail   string
}

func (e *PaginationInconsistency) Error() string {
	return fmt.Sprintf("pagination inconsistency for account %s: declared total %d, observed %d after %d pages (%s)",
		e.Account, e.Declared, e.Observed, e.Pages, e.Detail)
}

// PersistenceError 单条写入失败
type PersistenceError struct {
	Account   string
	ListingID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s (account %s): %v", e.ListingID, e.Account, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
