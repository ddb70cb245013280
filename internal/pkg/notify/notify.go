package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// Meta 是一条通知的上下文信息。
type Meta struct {
	SearchKeywords string
	SearchID       string
	AlertType      string // urgent / important / new / normal
	Title          string // 带前缀的标题，例如 "🚨 URGENT: Road bike"
	Recipient      string // 邮件接收人，为空时使用默认配置
}

// Notifier 定义单条通知的发送接口。发送失败返回 error，由调用方决定是否重试。
type Notifier interface {
	Notify(ctx context.Context, l model.Listing, meta Meta) error
}

// DigestEntry 汇总邮件中的一条记录。
type DigestEntry struct {
	Listing model.Listing
	Meta    Meta
}

// Digest 是一封汇总通知。
type Digest struct {
	Subject   string
	Recipient string
	Entries   []DigestEntry
}

// DigestSender 发送汇总通知。
type DigestSender interface {
	SendDigest(ctx context.Context, d Digest) error
}

// NotifierFunc 将函数适配为 Notifier。
type NotifierFunc func(ctx context.Context, l model.Listing, meta Meta) error

func (f NotifierFunc) Notify(ctx context.Context, l model.Listing, meta Meta) error {
	return f(ctx, l, meta)
}

// LogNotifier 只记录日志，用于未配置邮件时的本地运行。
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier 创建日志通知器。
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, l model.Listing, meta Meta) error {
	n.logger.Info("listing alert",
		slog.String("search_id", meta.SearchID),
		slog.String("alert_type", meta.AlertType),
		slog.String("title", meta.Title),
		slog.String("price", l.Price),
		slog.String("url", l.URL))
	return nil
}

func (n *LogNotifier) SendDigest(_ context.Context, d Digest) error {
	n.logger.Info("alert digest", slog.String("subject", d.Subject), slog.Int("entries", len(d.Entries)))
	return nil
}

// Composite 将通知分发给多个 Notifier，收集全部错误。
type Composite struct {
	notifiers []Notifier
}

// NewComposite 创建组合通知器，忽略 nil。
func NewComposite(notifiers ...Notifier) *Composite {
	c := &Composite{}
	for _, n := range notifiers {
		c.Add(n)
	}
	return c
}

// Add 追加一个通知器。
func (c *Composite) Add(n Notifier) {
	if n != nil {
		c.notifiers = append(c.notifiers, n)
	}
}

// Len 返回已注册的通知器数量。
func (c *Composite) Len() int {
	return len(c.notifiers)
}

func (c *Composite) Notify(ctx context.Context, l model.Listing, meta Meta) error {
	if len(c.notifiers) == 0 {
		return errors.New("no notifiers configured")
	}
	var failed []string
	for _, n := range c.notifiers {
		if err := n.Notify(ctx, l, meta); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("composite notify failed: [ %s ]", strings.Join(failed, "; "))
	}
	return nil
}
