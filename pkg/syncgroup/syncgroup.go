package syncgroup

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/betbot/perpmm/pkg/logger"
)

type task struct {
	name string
	fn   func()
}

// SyncGroup sync.WaitGroup 的包装：Add 登记、Run 统一启动、Wait 等待
// 每个 goroutine 带名字，panic 会被记录而不会带崩进程
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []task
	running map[string]int
}

// NewSyncGroup 创建 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{running: make(map[string]int)}
}

// Add 登记一个 goroutine，Run 时启动
func (g *SyncGroup) Add(name string, fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.pending = append(g.pending, task{name: name, fn: fn})
	g.mu.Unlock()
}

// Run 启动所有已登记的 goroutine 并清空登记列表
func (g *SyncGroup) Run() {
	g.mu.Lock()
	tasks := g.pending
	g.pending = nil
	for _, t := range tasks {
		g.running[t.name]++
	}
	g.wg.Add(len(tasks))
	g.mu.Unlock()

	for _, t := range tasks {
		go g.run(t)
	}
}

func (g *SyncGroup) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Component("syncgroup").
				WithField("task", t.name).
				Errorf("goroutine panic: %v\n%s", r, debug.Stack())
		}
		g.mu.Lock()
		if g.running[t.name]--; g.running[t.name] <= 0 {
			delete(g.running, t.name)
		}
		g.mu.Unlock()
		g.wg.Done()
	}()
	t.fn()
}

// Wait 等待所有已启动的 goroutine 结束
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

// Running 当前运行中的 goroutine 名称（诊断用）
func (g *SyncGroup) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for name, n := range g.running {
		if n > 1 {
			out = append(out, fmt.Sprintf("%s x%d", name, n))
		} else {
			out = append(out, name)
		}
	}
	return out
}
