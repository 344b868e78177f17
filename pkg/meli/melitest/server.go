// Package melitest 提供测试用的市场 API 模拟服务
package melitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PageMode 分页方式
type PageMode int

const (
	Cursor PageMode = iota
	Offset
)

// Seller 一个卖家账户的模拟数据
type Seller struct {
	ID           string
	Count        int
	Mode         PageMode
	ClientID     string
	ClientSecret string
	RefreshToken string
	// Rotate 为 true 时每次刷新都作废旧 refresh_token
	Rotate bool
	// DeclaredTotal 覆盖 paging.total，用于模拟总数不准；nil 表示如实返回
	DeclaredTotal *int
	// TokenDelay 刷新请求的响应延迟，客户端断开即返回
	TokenDelay time.Duration
}

// ListingID 第 i 个商品的 ID
func (s *Seller) ListingID(i int) string {
	return fmt.Sprintf("MLB%s%05d", s.ID, i)
}

type sellerState struct {
	Seller
	validTokens map[string]struct{}
	tokenSeq    int
	rejectAuth  bool // 所有令牌都视为无效
	rejectGrant bool // 刷新请求返回 invalid_grant
	scrolls     map[string]int
	searchFails []int
	refreshes   int32
}

// Server 模拟服务
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	sellers   map[string]*sellerState
	owners    map[string]string // token -> seller
	itemFails map[string][]int
	prices    map[string]string

	ItemDelay time.Duration

	inFlight    int32
	maxInFlight int32
	itemCalls   int32
	searchCalls int32
}

// NewServer 启动模拟服务
func NewServer(sellers ...Seller) *Server {
	s := &Server{
		sellers:   make(map[string]*sellerState),
		owners:    make(map[string]string),
		itemFails: make(map[string][]int),
		prices:    make(map[string]string),
	}
	for _, sl := range sellers {
		s.sellers[sl.ID] = &sellerState{
			Seller:      sl,
			validTokens: make(map[string]struct{}),
			scrolls:     make(map[string]int),
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", s.handleToken)
	mux.HandleFunc("/users/", s.handleSearch)
	mux.HandleFunc("/items/", s.handleItem)
	s.Server = httptest.NewServer(mux)
	return s
}

// ==================== 脚本化控制 ====================

// IssueToken 直接签发一个有效令牌 (模拟已存库的 access_token)
func (s *Server) IssueToken(sellerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(s.sellers[sellerID])
}

// ExpireTokens 使卖家当前所有令牌失效
func (s *Server) ExpireTokens(sellerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sellers[sellerID]
	for tok := range st.validTokens {
		delete(s.owners, tok)
	}
	st.validTokens = make(map[string]struct{})
}

// RejectAuth 令牌一律返回 401 (刷新仍可成功)
func (s *Server) RejectAuth(sellerID string, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sellers[sellerID].rejectAuth = reject
}

// RejectRefresh 刷新请求一律返回 400 invalid_grant
func (s *Server) RejectRefresh(sellerID string, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sellers[sellerID].rejectGrant = reject
}

// FailItem 该商品接下来的请求依次返回给定状态码
func (s *Server) FailItem(itemID string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemFails[itemID] = append(s.itemFails[itemID], codes...)
}

// FailSearch 该卖家接下来的搜索请求依次返回给定状态码
func (s *Server) FailSearch(sellerID string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sellers[sellerID]
	st.searchFails = append(st.searchFails, codes...)
}

// SetPrice 修改商品价格
func (s *Server) SetPrice(itemID, price string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[itemID] = price
}

// CurrentRefreshToken 当前有效的 refresh_token
func (s *Server) CurrentRefreshToken(sellerID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sellers[sellerID].RefreshToken
}

// ==================== 统计 ====================

func (s *Server) RefreshCount(sellerID string) int {
	return int(atomic.LoadInt32(&s.sellers[sellerID].refreshes))
}

func (s *Server) ItemCalls() int   { return int(atomic.LoadInt32(&s.itemCalls)) }
func (s *Server) SearchCalls() int { return int(atomic.LoadInt32(&s.searchCalls)) }

// MaxInFlight 商品详情请求的最大并发数
func (s *Server) MaxInFlight() int { return int(atomic.LoadInt32(&s.maxInFlight)) }

// ==================== Handler ====================

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errBody("method_not_allowed", http.StatusMethodNotAllowed))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("bad_request", http.StatusBadRequest))
		return
	}
	if d := s.tokenDelay(r.PostForm.Get("client_id")); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	var st *sellerState
	for _, candidate := range s.sellers {
		if candidate.ClientID == r.PostForm.Get("client_id") {
			st = candidate
			break
		}
	}
	if st == nil || r.PostForm.Get("grant_type") != "refresh_token" ||
		st.ClientSecret != r.PostForm.Get("client_secret") ||
		st.RefreshToken != r.PostForm.Get("refresh_token") || st.rejectGrant {
		if st != nil {
			atomic.AddInt32(&st.refreshes, 1)
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, errBody("invalid_grant", http.StatusBadRequest))
		return
	}
	atomic.AddInt32(&st.refreshes, 1)
	tok := s.issueLocked(st)
	if st.Rotate {
		st.RefreshToken = fmt.Sprintf("TG-%s-%d", st.ID, st.tokenSeq)
	}
	refresh := st.RefreshToken
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  tok,
		"token_type":    "Bearer",
		"expires_in":    21600,
		"refresh_token": refresh,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.searchCalls, 1)

	// /users/{seller_id}/items/search
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[2] != "items" || parts[3] != "search" {
		writeJSON(w, http.StatusNotFound, errBody("not_found", http.StatusNotFound))
		return
	}

	s.mu.Lock()
	st, ok := s.sellers[parts[1]]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, errBody("seller_not_found", http.StatusNotFound))
		return
	}
	if !s.authorizedLocked(st, r) {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, errBody("invalid_token", http.StatusUnauthorized))
		return
	}
	if len(st.searchFails) > 0 {
		code := st.searchFails[0]
		st.searchFails = st.searchFails[1:]
		s.mu.Unlock()
		writeJSON(w, code, errBody("scripted", code))
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	total := st.Count
	declared := total
	if st.DeclaredTotal != nil {
		declared = *st.DeclaredTotal
	}

	var start int
	var scroll *string
	switch {
	case st.Mode == Cursor && q.Get("scroll_id") != "":
		pos, known := st.scrolls[q.Get("scroll_id")]
		if !known {
			s.mu.Unlock()
			writeJSON(w, http.StatusBadRequest, errBody("invalid_scroll_id", http.StatusBadRequest))
			return
		}
		start = pos
	case st.Mode == Cursor && q.Get("search_type") == "scan":
		start = 0
	default:
		start, _ = strconv.Atoi(q.Get("offset"))
	}

	end := start + limit
	if end > total {
		end = total
	}
	results := make([]string, 0, limit)
	for i := start; i < end; i++ {
		results = append(results, st.ListingID(i))
	}

	if st.Mode == Cursor {
		id := fmt.Sprintf("scroll-%s-%d", st.ID, len(st.scrolls)+1)
		st.scrolls[id] = end
		scroll = &id
	}
	s.mu.Unlock()

	body := map[string]any{
		"results": results,
		"paging": map[string]int{
			"total":  declared,
			"offset": start,
			"limit":  limit,
		},
	}
	if scroll != nil {
		body["scroll_id"] = *scroll
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.itemCalls, 1)
	cur := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		old := atomic.LoadInt32(&s.maxInFlight)
		if cur <= old || atomic.CompareAndSwapInt32(&s.maxInFlight, old, cur) {
			break
		}
	}
	if s.ItemDelay > 0 {
		time.Sleep(s.ItemDelay)
	}

	itemID := strings.TrimPrefix(r.URL.Path, "/items/")

	s.mu.Lock()
	var st *sellerState
	idx := -1
	for _, candidate := range s.sellers {
		if n, ok := parseIndex(candidate, itemID); ok {
			st, idx = candidate, n
			break
		}
	}
	if st == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, errBody("item_not_found", http.StatusNotFound))
		return
	}
	if !s.authorizedLocked(st, r) {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, errBody("invalid_token", http.StatusUnauthorized))
		return
	}
	if fails := s.itemFails[itemID]; len(fails) > 0 {
		code := fails[0]
		s.itemFails[itemID] = fails[1:]
		s.mu.Unlock()
		writeJSON(w, code, errBody("scripted", code))
		return
	}
	price := s.prices[itemID]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, Fixture(st.ID, itemID, idx, price))
}

// ==================== 内部方法 ====================

func (s *Server) tokenDelay(clientID string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.sellers {
		if st.ClientID == clientID {
			return st.TokenDelay
		}
	}
	return 0
}

func (s *Server) issueLocked(st *sellerState) string {
	st.tokenSeq++
	tok := fmt.Sprintf("APP_USR-%s-%d", st.ID, st.tokenSeq)
	st.validTokens[tok] = struct{}{}
	s.owners[tok] = st.ID
	return tok
}

func (s *Server) authorizedLocked(st *sellerState, r *http.Request) bool {
	if st.rejectAuth {
		return false
	}
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	_, ok := st.validTokens[tok]
	return ok
}

func parseIndex(st *sellerState, itemID string) (int, bool) {
	prefix := "MLB" + st.ID
	if !strings.HasPrefix(itemID, prefix) {
		return 0, false
	}
	rest := itemID[len(prefix):]
	if len(rest) != 5 {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 || n >= st.Count {
		return 0, false
	}
	return n, true
}

func errBody(code string, status int) map[string]any {
	return map[string]any{"message": code, "error": code, "status": status, "cause": []any{}}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
