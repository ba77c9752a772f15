package sigchan

// Chan 非阻塞信号 channel，只通知事件发生，不传递数据
// 缓冲满时多次 Emit 合并为一次
type Chan struct {
	c chan struct{}
}

// New 创建信号 channel
func New(bufferSize int) *Chan {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Chan{c: make(chan struct{}, bufferSize)}
}

// Emit 发送信号（非阻塞）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 用于 select
func (c *Chan) C() <-chan struct{} {
	return c.c
}

// Drain 丢弃已积压的信号，返回丢弃数量
func (c *Chan) Drain() int {
	n := 0
	for {
		select {
		case <-c.c:
			n++
		default:
			return n
		}
	}
}
