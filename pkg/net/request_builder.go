package net

import (
	"github.com/go-resty/resty/v2"
)

// Bearer 统一封装鉴权头和标准头
// 适用方：Lister、DetailFetcher 等所有带令牌的请求
func Bearer(r *resty.Request, accessToken string) *resty.Request {
	return r.
		SetHeader("Accept", "application/json").
		SetAuthToken(accessToken)
}

// Form 构建表单提交请求 (OAuth 刷新令牌用)
func Form(r *resty.Request, data map[string]string) *resty.Request {
	return r.
		SetHeader("Accept", "application/json").
		SetFormData(data)
}

// snippet 截断响应体，避免日志和错误信息过长
func snippet(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
