package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault 创建默认的结构化日志记录器（输出到 stdout）。
//
// 参数:
//   - level: 日志级别字符串（debug / info / warn / error），无法识别时回退到 info
//
// 返回值:
//   - *slog.Logger: 日志记录器
func NewDefault(level string) *slog.Logger {
	format := "text"
	if strings.EqualFold(os.Getenv("APP_ENV"), "prod") {
		format = "json"
	}
	return New(os.Stdout, level, format)
}

// New 按指定输出与格式创建日志记录器。
func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel 将字符串转换为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
