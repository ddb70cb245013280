package debounce

import (
	"sync"
	"time"
)

// Timer 是可取消、可重置的延迟任务。
//
// 每次 Trigger 都会取消尚未执行的任务并重新计时，只有最后一次触发后
// 安静 delay 时长才会执行 fn。fn 在独立 goroutine 中执行，同一时刻最多一个。
type Timer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	gen     uint64
	stopped bool
	running sync.Mutex
}

// New 创建延迟任务，尚未调度。
func New(delay time.Duration, fn func()) *Timer {
	return &Timer{delay: delay, fn: fn}
}

// Trigger 取消当前待执行任务并重新调度。Stop 之后调用无效。
func (t *Timer) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() { t.fire(gen) })
}

// Pending 是否有待执行的任务。
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Flush 立即执行待执行的任务（如果有），并等待其完成。
func (t *Timer) Flush() {
	t.mu.Lock()
	if t.timer == nil {
		t.mu.Unlock()
		return
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
	t.mu.Unlock()
	t.run()
}

// Stop 取消待执行任务并禁止后续调度。返回是否取消了一个待执行任务。
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
	return true
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	// 已被重置或取消的旧任务直接丢弃。
	if gen != t.gen || t.timer == nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.run()
}

func (t *Timer) run() {
	t.running.Lock()
	defer t.running.Unlock()
	t.fn()
}
