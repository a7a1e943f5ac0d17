package aiprov

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status 是上游 AI 协作方(文书分析/对话助手)的可用性快照。
// 本核心只消费该只读信息,不参与推理调用本身。
type Status struct {
	Provider  string    `json:"provider"`
	Available bool      `json:"available"`
	CheckedAt time.Time `json:"checked_at"`
}

// Client 查询协作方的状态端点,带一个短缓存避免把探测压力
// 转嫁给上游。未配置 URL 时恒定返回不可用。
type Client struct {
	url string
	hc  *http.Client
	clk clock.Clock
	ttl time.Duration

	mu     sync.Mutex
	cached Status
	exp    time.Time
}

func NewClient(url string, clk clock.Clock) *Client {
	return &Client{
		url: url,
		hc:  &http.Client{Timeout: 3 * time.Second},
		clk: clk,
		ttl: 30 * time.Second,
	}
}

func (c *Client) Status(ctx context.Context) Status {
	now := c.clk.Now()
	c.mu.Lock()
	if now.Before(c.exp) {
		st := c.cached
		c.mu.Unlock()
		return st
	}
	c.mu.Unlock()

	st := c.probe(ctx, now)

	c.mu.Lock()
	c.cached = st
	c.exp = now.Add(c.ttl)
	c.mu.Unlock()
	return st
}

func (c *Client) probe(ctx context.Context, now time.Time) Status {
	st := Status{Provider: "none", CheckedAt: now}
	if c.url == "" {
		return st
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return st
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return st
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st
	}
	var body struct {
		Provider  string `json:"provider"`
		Available bool   `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return st
	}
	st.Provider = body.Provider
	st.Available = body.Available
	return st
}
