package backoff

import (
	"math/rand"
	"time"
)

// Policy 指数退避参数。
// Delay(attempt) = min(Base * 2^attempt, Max)，再叠加 ±Jitter 比例的随机抖动。
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0~1，0 表示不加抖动
}

// Delay 返回第 attempt 次重试前应等待的时长（attempt 从 0 开始）
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	max := p.Max
	if max <= 0 {
		max = 60 * time.Second
	}

	// 2^attempt，移位前先封顶避免溢出
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt))
	if d > max || d <= 0 {
		d = max
	}

	if p.Jitter > 0 {
		// 在 [-jitter, +jitter] 范围内抖动，避免重连风暴同步
		f := 1 + p.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
		if d < 0 {
			d = base
		}
	}
	return d
}
