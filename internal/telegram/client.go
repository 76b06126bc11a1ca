package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Telegram Bot API 最小客户端：getUpdates 长轮询 + sendMessage。
// 投递语义为 at-least-once，重复消息由上游 (channel, message_id) 去重兜底。

type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

func NewClient(apiURL, token string, pollTimeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	// HTTP 超时要长于长轮询 timeout，避免轮询被客户端掐断
	clientTimeout := pollTimeout + 15*time.Second
	return &Client{
		apiBase:    base,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Update getUpdates 返回的单条更新；频道消息落在 channel_post。
type Update struct {
	UpdateID    int64    `json:"update_id"`
	Message     *RawMsg  `json:"message"`
	ChannelPost *RawMsg  `json:"channel_post"`
}

type RawMsg struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"chat"`
	Text    string `json:"text"`
	Caption string `json:"caption"`
}

// GetUpdates 长轮询拉取一批更新。
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	params.Set("allowed_updates", `["message","channel_post"]`)
	raw, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, fmt.Errorf("解析 updates 失败: %w", err)
	}
	return updates, nil
}

// SendMessage 发送文本到指定会话。
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	params := url.Values{}
	params.Set("chat_id", chatID)
	params.Set("text", text)
	_, err := c.call(ctx, "sendMessage", params)
	return err
}

func (c *Client) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 telegram 失败: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if !api.OK {
		if api.Parameters != nil && api.Parameters.RetryAfter > 0 {
			return nil, &FloodError{RetryAfter: time.Duration(api.Parameters.RetryAfter) * time.Second}
		}
		return nil, fmt.Errorf("telegram 返回错误: %s", api.Description)
	}
	return api.Result, nil
}

// FloodError Telegram 限频。
type FloodError struct {
	RetryAfter time.Duration
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("telegram 限频，%s 后重试", e.RetryAfter)
}
