package shutdown

import (
	"context"
	"sort"
	"sync"

	"github.com/betbot/perpmm/pkg/logger"
)

// Handler 关闭处理函数，需在 ctx 超时前返回
type Handler func(ctx context.Context)

// 关闭阶段：数值小的先执行，同一阶段内并发执行
const (
	StageBots    = 10 // 停止决策循环、撤销挂单
	StageStream  = 20 // 关闭流式连接
	StageStorage = 30 // 刷新并关闭存储
	StageServers = 40 // 关闭 HTTP 服务
)

type entry struct {
	name    string
	stage   int
	handler Handler
}

// Manager 优雅关闭管理器
type Manager struct {
	mu      sync.Mutex
	entries []entry
}

// NewManager 创建关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, stage int, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry{name: name, stage: stage, handler: handler})
}

// Shutdown 按阶段执行所有回调（阻塞），ctx 超时后不再等待剩余阶段
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := append([]entry(nil), m.entries...)
	m.mu.Unlock()

	if len(entries) == 0 {
		logger.Info("没有注册的关闭回调")
		return
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].stage < entries[j].stage })
	logger.Infof("开始优雅关闭，共 %d 个回调", len(entries))

	for start := 0; start < len(entries); {
		end := start
		for end < len(entries) && entries[end].stage == entries[start].stage {
			end++
		}
		if !runStage(ctx, entries[start:end]) {
			logger.Warnf("关闭超时: %v，跳过剩余回调", ctx.Err())
			return
		}
		start = end
	}
	logger.Info("所有关闭回调已完成")
}

func runStage(ctx context.Context, stage []entry) bool {
	var wg sync.WaitGroup
	wg.Add(len(stage))
	for _, e := range stage {
		go func(e entry) {
			defer wg.Done()
			e.handler(ctx)
			logger.WithField("handler", e.name).Debugf("关闭回调完成")
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
