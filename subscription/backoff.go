package subscription

import "time"

// MaxConsecutiveFailures is the retry budget for a subscription. Once a
// charge has failed this many times in a row the subscription is
// force-paused and flagged for operator review instead of retrying
// forever against a dead allowance.
const MaxConsecutiveFailures = 6

const minRetryDelay = time.Minute

// retryDelay returns how long to wait before the next charge attempt
// after the given number of consecutive failures. The delay is capped
// exponential: base frequency/16 clamped to [1m, frequency], doubled per
// consecutive failure, never exceeding one full period so a transient
// outage cannot push a subscription more than one cycle behind.
func retryDelay(frequency time.Duration, failures uint32) time.Duration {
	base := frequency / 16
	if base < minRetryDelay {
		base = minRetryDelay
	}
	if base > frequency {
		base = frequency
	}

	delay := base
	for i := uint32(1); i < failures; i++ {
		delay *= 2
		if delay >= frequency {
			return frequency
		}
	}
	if delay > frequency {
		return frequency
	}
	return delay
}
