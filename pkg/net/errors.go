package net

import (
	"errors"
	"fmt"
)

// ErrUnauthorized 令牌失效或过期，HTTP 层不重试，交给上层刷新
var ErrUnauthorized = errors.New("unauthorized")

// TransientHTTPError 限流 / 服务端错误 / 网络错误，重试次数耗尽
type TransientHTTPError struct {
	Status   int // 0 表示网络层错误
	Attempts int
	Err      error
}

func (e *TransientHTTPError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transient network error after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("transient http %d after %d attempts: %v", e.Status, e.Attempts, e.Err)
}

func (e *TransientHTTPError) Unwrap() error { return e.Err }

// PermanentHTTPError 非鉴权类 4xx，不重试
type PermanentHTTPError struct {
	Status int
	Body   string
}

func (e *PermanentHTTPError) Error() string {
	return fmt.Sprintf("permanent http %d: %s", e.Status, e.Body)
}

// IsTransient 判断是否为重试耗尽的临时错误
func IsTransient(err error) bool {
	var te *TransientHTTPError
	return errors.As(err, &te)
}

// IsPermanent 判断是否为不可重试的客户端错误
func IsPermanent(err error) bool {
	var pe *PermanentHTTPError
	return errors.As(err, &pe)
}
