package rabbitmq

import (
	"time"

	retry "github.com/sethvargo/go-retry"
)

// LinearBackoff waits n*base before the n-th retry
func LinearBackoff(base time.Duration) retry.Backoff {
	var attempt int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return time.Duration(attempt) * base, false
	})
}
