package tools

import "time"

// SampleDuration is the playout time of samples per channel at rate.
func SampleDuration(samples uint32, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
