// Package taskqueue 通过 Redis Stream 在进程间传递“立即运行某个搜索”的请求。
//
// monitorctl 与其他 API 实例提交请求，持有调度器的实例消费并执行。
// 同一搜索在被消费前只保留一条请求。
package taskqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 请求来源。
const (
	SourceManual   = "manual"   // API / CLI 手动触发
	SourcePeriodic = "periodic" // 调度器周期触发
)

// ErrAlreadyQueued 表示该搜索已有尚未处理完的运行请求，本次提交被合并。
var ErrAlreadyQueued = errors.New("run already queued")

// RunRequest 是一条立即运行请求。
type RunRequest struct {
	SearchID    string    `json:"search_id"`
	Source      string    `json:"source"`
	RequestedAt time.Time `json:"requested_at"`
	Attempt     int       `json:"attempt"` // 已失败的次数
}

// NewRunRequest 创建运行请求，source 为空时记为 manual。
func NewRunRequest(searchID, source string) RunRequest {
	if source == "" {
		source = SourceManual
	}
	return RunRequest{SearchID: searchID, Source: source, RequestedAt: time.Now()}
}

// Validate 检查请求是否可执行。
func (r RunRequest) Validate() error {
	if r.SearchID == "" {
		return errors.New("run request without search id")
	}
	return nil
}

func (r RunRequest) encode() (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal run request: %w", err)
	}
	return string(data), nil
}

func decodeRunRequest(data string) (RunRequest, error) {
	var r RunRequest
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return RunRequest{}, fmt.Errorf("unmarshal run request: %w", err)
	}
	if err := r.Validate(); err != nil {
		return RunRequest{}, err
	}
	return r, nil
}
