package actor

import "math"

// ReconnectDelay returns the delay in milliseconds before reconnect attempt
// number attempt (zero based): min(base*2^attempt, max) plus a jitter of up to
// 10% of that value. jitter is a uniform sample in [0, 1).
func ReconnectDelay(baseMs, maxMs int64, attempt int, jitter float64) int64 {
	nominal := NominalReconnectDelay(baseMs, maxMs, attempt)
	if jitter < 0 || jitter >= 1 || math.IsNaN(jitter) {
		jitter = 0
	}
	return nominal + int64(math.Floor(jitter*0.1*float64(nominal)))
}

// NominalReconnectDelay is ReconnectDelay without jitter.
func NominalReconnectDelay(baseMs, maxMs int64, attempt int) int64 {
	if baseMs <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// Past 62 doublings the product overflows; the cap applies long before.
	if attempt >= 62 {
		return maxMs
	}
	d := baseMs
	for i := 0; i < attempt; i++ {
		if d >= maxMs {
			return maxMs
		}
		d *= 2
	}
	return min(d, maxMs)
}
