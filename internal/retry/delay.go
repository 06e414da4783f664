package retry

import (
	"math"
	"time"
)

// Delay computes the un-jittered wait after failed attempt n (1-based).
// rate is the recent success ratio for the policy; it is ignored unless
// hasRate is true and the strategy is Adaptive.
func Delay(p *Policy, n int, rate float64, hasRate bool) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(p.BaseDelay)
	limit := float64(p.MaxDelay)

	var d float64
	switch p.Strategy {
	case StrategyFixed:
		return p.BaseDelay
	case StrategyFibonacci:
		d = base * float64(fib(n))
	case StrategyAdaptive:
		factor := 1.0
		if hasRate {
			factor = 2 - clamp(rate, 0, 1)
		}
		d = base * math.Pow(2, float64(n-1)) * factor
		d = math.Max(d, base)
	default:
		d = base * math.Pow(2, float64(n-1))
	}
	if d > limit || math.IsInf(d, 1) {
		d = limit
	}
	return time.Duration(d)
}

// applyJitter scales d by (1+u) where u is drawn from [-j, +j]. unit must
// return values in [0, 1).
func applyJitter(d time.Duration, j float64, unit func() float64) time.Duration {
	if j <= 0 || d <= 0 || unit == nil {
		return d
	}
	u := (unit()*2 - 1) * j
	return time.Duration(float64(d) * (1 + u))
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, b = b, a+b
		if b < 0 {
			return math.MaxInt64
		}
	}
	return b
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
