package archive

// ProgressFunc receives the completed fraction of an operation, in [0, 1].
type ProgressFunc func(fraction float64)

// Throttle wraps fn so that it is only called when the fraction has grown by
// more than one percent since the last call. A nil fn yields a no-op.
func Throttle(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return func(float64) {}
	}
	var last float64
	return func(fraction float64) {
		if fraction-last > 0.01 {
			last = fraction
			fn(fraction)
		}
	}
}
