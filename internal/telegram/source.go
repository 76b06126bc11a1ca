package telegram

import (
	"context"
	"errors"
	"strconv"
	"time"

	"sigflow/internal/logger"
)

// Message 订阅流中的一条频道消息。
type Message struct {
	ChannelID   string
	ChannelName string
	MessageID   int64
	Timestamp   time.Time
	Text        string
}

// Source 把 getUpdates 长轮询包装成订阅流（Chat Source）。
type Source struct {
	client      *Client
	channels    map[string]string // chat_id -> 显示名
	pollTimeout time.Duration
}

func NewSource(client *Client, sourceChannels map[string]string, pollTimeout time.Duration) *Source {
	byID := make(map[string]string, len(sourceChannels))
	for name, chatID := range sourceChannels {
		byID[chatID] = name
	}
	return &Source{client: client, channels: byID, pollTimeout: pollTimeout}
}

// Subscribe 持续拉取配置频道的新消息写入返回的 channel；ctx 取消后关闭。
// 非文本与非监控频道的消息直接丢弃。
func (s *Source) Subscribe(ctx context.Context) <-chan Message {
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		var offset int64
		for {
			if ctx.Err() != nil {
				return
			}
			updates, err := s.client.GetUpdates(ctx, offset, s.pollTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				var flood *FloodError
				wait := 5 * time.Second
				if errors.As(err, &flood) {
					wait = flood.RetryAfter
				}
				logger.Warnf("telegram 拉取失败，%s 后重试: %v", wait, err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			for _, upd := range updates {
				if upd.UpdateID >= offset {
					offset = upd.UpdateID + 1
				}
				raw := upd.ChannelPost
				if raw == nil {
					raw = upd.Message
				}
				if raw == nil {
					continue
				}
				text := raw.Text
				if text == "" {
					text = raw.Caption
				}
				if text == "" {
					continue
				}
				chatID := strconv.FormatInt(raw.Chat.ID, 10)
				name, watched := s.channels[chatID]
				if !watched {
					continue
				}
				msg := Message{
					ChannelID:   chatID,
					ChannelName: name,
					MessageID:   raw.MessageID,
					Timestamp:   time.Unix(raw.Date, 0).UTC(),
					Text:        text,
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
