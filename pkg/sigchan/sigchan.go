package sigchan

// Chan 非阻塞信号通道,只表示"有事发生",不携带数据。
// 持久层用它在写入恢复时唤醒死信回放:通道已满说明唤醒已在途,
// 重复信号直接丢弃。
type Chan struct {
	c chan struct{}
}

// New 创建容量为 bufferSize 的信号通道
func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit 发送一次信号。通道满时丢弃,永不阻塞发送方。
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C 暴露接收端,供 select 使用
func (c *Chan) C() <-chan struct{} {
	return c.c
}
