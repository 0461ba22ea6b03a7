package worker

import "time"

// backoffTable indexes retry delay by consecutive failure count.
var backoffTable = []time.Duration{
	1: 1 * time.Minute,
	2: 5 * time.Minute,
	3: 15 * time.Minute,
	4: 30 * time.Minute,
	5: 60 * time.Minute,
}

// Backoff returns the delay before retrying after failCount consecutive
// failures. The delay is capped at one hour.
func Backoff(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	if failCount >= len(backoffTable) {
		return backoffTable[len(backoffTable)-1]
	}
	return backoffTable[failCount]
}
