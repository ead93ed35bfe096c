package sigchan

import "testing"

// 信号满时 Emit 不阻塞
func TestEmitNonBlocking(t *testing.T) {
	c := New(1)
	c.Emit()
	c.Emit() // 已满,应直接返回

	select {
	case <-c.C():
	default:
		t.Fatal("signal not delivered")
	}
	select {
	case <-c.C():
		t.Fatal("second emit should have been dropped")
	default:
	}
}
