package transfer

import "time"

const speedWindow = 500 * time.Millisecond

// SpeedMeter converts a byte-count time series into an instantaneous
// throughput estimate. Update returns 0 until a full window has elapsed since
// the previous estimate, so callers can treat any non-zero value as a fresh
// reading. Not safe for concurrent use.
type SpeedMeter struct {
	lastBytes int64
	lastMark  time.Time
}

func NewSpeedMeter() *SpeedMeter {
	return &SpeedMeter{lastMark: time.Now()}
}

// Update records the cumulative downloaded byte count and returns the
// bytes-per-second estimate for the elapsed window, or 0 when the window has
// not yet elapsed.
func (m *SpeedMeter) Update(downloaded int64) int64 {
	elapsed := time.Since(m.lastMark)
	if elapsed < speedWindow {
		return 0
	}

	delta := downloaded - m.lastBytes

	m.lastBytes = downloaded
	m.lastMark = time.Now()

	speed := int64(float64(delta) / elapsed.Seconds())
	if speed < 0 {
		return 0
	}

	return speed
}
