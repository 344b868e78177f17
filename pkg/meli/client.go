package meli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"

	"listing_sync_v1_202610/pkg/net"
)

const (
	searchPath = "/users/{seller_id}/items/search"
	itemPath   = "/items/{item_id}"
	tokenPath  = "/oauth/token"
)

// DecodeError 响应成功但报文无法解析
type DecodeError struct {
	ItemID string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode item %s: %v", e.ItemID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Client 市场 API 客户端，所有请求经 Dispatcher 发出
type Client struct {
	dispatcher net.Dispatcher
}

func NewClient(dispatcher net.Dispatcher) *Client {
	return &Client{dispatcher: dispatcher}
}

// SearchItems 拉取一页商品 ID
func (c *Client) SearchItems(ctx context.Context, account, token, sellerID string, q SearchQuery) (*SearchResponse, error) {
	params := map[string]string{
		"limit": strconv.Itoa(q.Limit),
	}
	if q.Scan {
		params["search_type"] = "scan"
	}
	if q.ScrollID != "" {
		params["scroll_id"] = q.ScrollID
	} else if !q.Scan {
		params["offset"] = strconv.Itoa(q.Offset)
	}
	if q.Status != "" {
		params["status"] = q.Status
	}

	var out SearchResponse
	_, err := c.dispatcher.Send(ctx, account, func(r *resty.Request) (*resty.Response, error) {
		return net.Bearer(r, token).
			SetPathParam("seller_id", sellerID).
			SetQueryParams(params).
			SetResult(&out).
			Get(searchPath)
	})
	if err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}
	return &out, nil
}

// GetItem 拉取商品详情，同时返回原始报文
func (c *Client) GetItem(ctx context.Context, account, token, itemID string) (*Item, []byte, error) {
	resp, err := c.dispatcher.Send(ctx, account, func(r *resty.Request) (*resty.Response, error) {
		return net.Bearer(r, token).
			SetPathParam("item_id", itemID).
			Get(itemPath)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get item %s: %w", itemID, err)
	}

	raw := resp.Body()
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, raw, &DecodeError{ItemID: itemID, Err: err}
	}
	if item.ID == "" {
		item.ID = itemID
	}
	return &item, raw, nil
}

// RefreshToken 用 refresh_token 换取新令牌
func (c *Client) RefreshToken(ctx context.Context, account, clientID, clientSecret, refreshToken string) (*TokenResponse, error) {
	var out TokenResponse
	_, err := c.dispatcher.Send(ctx, account, func(r *resty.Request) (*resty.Response, error) {
		return net.Form(r, map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     clientID,
			"client_secret": clientSecret,
			"refresh_token": refreshToken,
		}).
			SetResult(&out).
			Post(tokenPath)
	})
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("refresh token: empty access_token in response")
	}
	return &out, nil
}
