package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/model"
)

// EmailNotifier 实现邮件通知（单条与汇总）。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{cfg: cfg, logger: logger}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Configured 判断 SMTP 配置是否完整。
func (n *EmailNotifier) Configured() bool {
	return n.cfg != nil && n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != ""
}

func (n *EmailNotifier) recipient(override string) string {
	if v := strings.TrimSpace(override); v != "" {
		return v
	}
	if n.cfg == nil {
		return ""
	}
	return strings.TrimSpace(n.cfg.ToEmail)
}

// Notify 发送单条商品通知。
func (n *EmailNotifier) Notify(ctx context.Context, l model.Listing, meta Meta) error {
	if !n.Configured() {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	to := n.recipient(meta.Recipient)
	if to == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", "[Marketplace Monitor] "+meta.Title)
	m.SetBody("text/html", buildHTMLBody(meta.Title, []DigestEntry{{Listing: l, Meta: meta}}))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	n.logger.Info("email notification sent", slog.String("to", to), slog.String("alert_type", meta.AlertType))
	return nil
}

// SendDigest 发送汇总邮件。
func (n *EmailNotifier) SendDigest(ctx context.Context, d Digest) error {
	if len(d.Entries) == 0 {
		return nil
	}
	if !n.Configured() {
		n.logger.Warn("email config missing, skip digest", slog.Int("entries", len(d.Entries)))
		return nil
	}
	to := n.recipient(d.Recipient)
	if to == "" {
		n.logger.Warn("email recipient empty, skip digest")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", d.Subject)
	m.SetBody("text/html", buildHTMLBody(d.Subject, d.Entries))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send digest: %w", err)
	}
	n.logger.Info("email digest sent", slog.String("to", to), slog.Int("entries", len(d.Entries)))
	return nil
}

func buildHTMLBody(heading string, entries []DigestEntry) string {
	var rows strings.Builder
	for _, e := range entries {
		l := e.Listing
		priceLine := html.EscapeString(l.Price)
		if l.PriceDropDetected && l.OriginalPrice != "" && l.OriginalPrice != l.Price {
			priceLine = fmt.Sprintf("%s → %s 📉", html.EscapeString(l.OriginalPrice), html.EscapeString(l.Price))
		}
		img := ""
		if l.Image != "" && !strings.HasPrefix(l.Image, "data:") {
			img = fmt.Sprintf(`<div class="hero"><img src="%s" alt="Listing Image" /></div>`, html.EscapeString(l.Image))
		}
		fmt.Fprintf(&rows, `
    <div class="content">
      %s
      <div class="title">%s</div>
      <div class="price">%s</div>
      <div class="meta">%s · %s</div>
      <div style="text-align:center; margin-bottom: 12px;">
        <a class="cta" href="%s" target="_blank">View listing</a>
      </div>
      <div class="footer">Search: %s</div>
    </div>`,
			img,
			html.EscapeString(e.Meta.Title),
			priceLine,
			html.EscapeString(l.Location),
			l.Timestamp.Format("2006-01-02 15:04"),
			html.EscapeString(l.URL),
			html.EscapeString(e.Meta.SearchKeywords))
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; border-bottom: 1px solid #e5e7eb; }
  .hero img { width: 100%%; max-width: 520px; display: block; margin: 0 auto 16px; border-radius: 8px; }
  .price { font-size: 24px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 8px; }
  .meta { font-size: 13px; color: #6b7280; margin-bottom: 12px; }
  .cta { display: inline-block; padding: 12px 20px; background: #22c55e; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 12px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">%s</div>%s
  </div>
</body>
</html>`

	return fmt.Sprintf(template, html.EscapeString(heading), rows.String())
}
