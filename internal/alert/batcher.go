package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/M3-K0/marketplace-monitor/internal/pkg/debounce"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/notify"
)

const (
	defaultDigestDelay   = 30 * time.Second
	defaultDigestTimeout = 30 * time.Second
)

// BatcherOptions 控制哪些通知进入汇总邮件。
type BatcherOptions struct {
	Delay           time.Duration // 最后一条通知后等待多久发送
	Recipient       string
	UrgentAlerts    bool
	ImportantAlerts bool
	AllAlerts       bool
}

// DefaultBatcherOptions 默认只汇总 urgent 通知。
func DefaultBatcherOptions() BatcherOptions {
	return BatcherOptions{Delay: defaultDigestDelay, UrgentAlerts: true}
}

// Batcher 将通知排队，在安静 Delay 后合并为一封汇总邮件。
type Batcher struct {
	mu     sync.Mutex
	opts   BatcherOptions
	queue  []notify.DigestEntry
	sender notify.DigestSender
	timer  *debounce.Timer
	logger *slog.Logger
}

// NewBatcher 创建汇总器。
func NewBatcher(sender notify.DigestSender, opts BatcherOptions, logger *slog.Logger) *Batcher {
	if opts.Delay <= 0 {
		opts.Delay = defaultDigestDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Batcher{opts: opts, sender: sender, logger: logger}
	b.timer = debounce.New(opts.Delay, b.flush)
	return b
}

// Eligible 判断该类型的通知是否进入汇总邮件。
func (b *Batcher) Eligible(t Type) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case t == TypeUrgent && b.opts.UrgentAlerts:
		return true
	case t == TypeImportant && b.opts.ImportantAlerts:
		return true
	default:
		return b.opts.AllAlerts
	}
}

// SetRecipient 更新收件人。
func (b *Batcher) SetRecipient(to string) {
	b.mu.Lock()
	b.opts.Recipient = to
	b.mu.Unlock()
}

// Enqueue 将通知加入队列并重置发送计时。不符合条件的通知被忽略，返回 false。
func (b *Batcher) Enqueue(entry notify.DigestEntry) bool {
	if !b.Eligible(Type(entry.Meta.AlertType)) {
		return false
	}
	b.mu.Lock()
	b.queue = append(b.queue, entry)
	b.mu.Unlock()
	b.timer.Trigger()
	return true
}

// Pending 返回排队中的通知数。
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush 立即发送排队中的通知。
func (b *Batcher) Flush() {
	b.timer.Flush()
}

// Close 取消计时并发送剩余通知。
func (b *Batcher) Close() {
	b.timer.Stop()
	b.flush()
}

func (b *Batcher) flush() {
	b.mu.Lock()
	entries := b.queue
	b.queue = nil
	to := b.opts.Recipient
	b.mu.Unlock()
	if len(entries) == 0 {
		return
	}

	sortByType(entries)
	ctx, cancel := context.WithTimeout(context.Background(), defaultDigestTimeout)
	defer cancel()

	digest := notify.Digest{Subject: Subject(entries), Recipient: to, Entries: entries}
	if err := b.sender.SendDigest(ctx, digest); err != nil {
		b.logger.Error("send alert digest failed",
			slog.Int("entries", len(entries)),
			slog.String("error", err.Error()))
		return
	}
	b.logger.Info("alert digest flushed", slog.Int("entries", len(entries)))
}

var typeOrder = map[Type]int{TypeUrgent: 0, TypeImportant: 1, TypeNew: 2, TypeNormal: 3}

func sortByType(entries []notify.DigestEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return rank(entries[i]) < rank(entries[j])
	})
}

func rank(e notify.DigestEntry) int {
	if r, ok := typeOrder[Type(e.Meta.AlertType)]; ok {
		return r
	}
	return len(typeOrder)
}

// Subject 生成汇总邮件标题。
//
// 含 urgent 时形如 "🚨 2 Urgent Marketplace Alerts + 3 more"，
// 否则形如 "📍 5 New Marketplace Alerts"。
func Subject(entries []notify.DigestEntry) string {
	total := len(entries)
	urgent := 0
	for _, e := range entries {
		if Type(e.Meta.AlertType) == TypeUrgent {
			urgent++
		}
	}
	if urgent > 0 {
		s := fmt.Sprintf("🚨 %d Urgent Marketplace Alert%s", urgent, plural(urgent))
		if rest := total - urgent; rest > 0 {
			s += fmt.Sprintf(" + %d more", rest)
		}
		return s
	}
	return fmt.Sprintf("📍 %d New Marketplace Alert%s", total, plural(total))
}

func plural(n int) string {
	if n > 1 {
		return "s"
	}
	return ""
}
