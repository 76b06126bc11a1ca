package notify

import (
	"context"
	"strings"
	"time"

	"sigflow/internal/logger"
	"sigflow/internal/telegram"
)

// 中文说明：
// 运营通知器：把拒单/失败/对冲等事件推送到私人频道。
// 推送失败只记日志，绝不影响交易主流程。

type Telegram struct {
	client *telegram.Client
	chatID string
}

func NewTelegram(client *telegram.Client, chatID string) *Telegram {
	chatID = strings.TrimSpace(chatID)
	if client == nil || chatID == "" {
		return nil
	}
	return &Telegram{client: client, chatID: chatID}
}

// SendText 发送一段纯文本。
func (t *Telegram) SendText(text string) error {
	if t == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.client.SendMessage(ctx, t.chatID, text)
}

// Notify 标题 + 多行正文的便捷推送。
func (t *Telegram) Notify(title string, lines ...string) {
	if t == nil {
		return
	}
	msg := title
	if len(lines) > 0 {
		msg += "\n" + strings.Join(lines, "\n")
	}
	if err := t.SendText(msg); err != nil {
		logger.Warnf("Telegram 推送失败: %v", err)
	}
}
