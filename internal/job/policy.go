package job

import "time"

// EffectivePriority combines the stored tier with an age-based boost: a job
// that has waited at least agingThreshold is promoted one tier, capped at
// Critical. This prevents starvation of low-priority jobs under sustained
// high-priority load. A non-positive threshold disables aging.
func EffectivePriority(j *Job, now time.Time, agingThreshold time.Duration) Priority {
	p := j.Priority
	if agingThreshold > 0 && now.Sub(j.CreatedAt) >= agingThreshold && p < PriorityCritical {
		p++
	}
	return p
}

// Backoff returns the delay before a failed job becomes eligible again:
// min(base * 2^attempts, cap). attempts is the count of attempts already
// made, so the first retry waits base*2.
func Backoff(base, cap time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}
