package syncgroup

import (
	"sync/atomic"
	"testing"
)

func TestSyncGroup_RunAndWait(t *testing.T) {
	g := NewSyncGroup()
	var n int32
	for i := 0; i < 5; i++ {
		g.Add("worker", func() { atomic.AddInt32(&n, 1) })
	}
	g.Add("panics", func() { panic("boom") })
	g.Run()
	g.Wait()

	if got := atomic.LoadInt32(&n); got != 5 {
		t.Fatalf("执行次数 = %d, 期望 5", got)
	}
	if running := g.Running(); len(running) != 0 {
		t.Fatalf("结束后不应有运行中的 goroutine: %v", running)
	}

	// 可以再次登记并运行
	g.Add("again", func() { atomic.AddInt32(&n, 1) })
	g.Run()
	g.Wait()
	if got := atomic.LoadInt32(&n); got != 6 {
		t.Fatalf("再次运行后次数 = %d, 期望 6", got)
	}
}
