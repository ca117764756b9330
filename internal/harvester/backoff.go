package harvester

import "time"

// pollBackoff implements the backpressure rule from §5: once the
// detector's consumer-group pending depth exceeds softLimit, the next
// poll interval widens linearly toward maxInterval instead of staying
// fixed at base. Depth at or below softLimit polls at base; depth at or
// beyond 2x softLimit caps at maxInterval.
func pollBackoff(depth, softLimit int64, base, maxInterval time.Duration) time.Duration {
	if softLimit <= 0 || depth <= softLimit {
		return base
	}
	scale := float64(depth-softLimit) / float64(softLimit)
	if scale > 1 {
		scale = 1
	}
	widened := base + time.Duration(scale*float64(maxInterval-base))
	if widened > maxInterval {
		return maxInterval
	}
	return widened
}
