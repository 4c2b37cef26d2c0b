package scrapemeter

import "time"

// rollWindow starts or renews the usage window of acct relative to now.
// A nil WindowResetAt starts the first window. A reset time at or before now
// zeroes the counter and starts a new window. Returns true if acct changed.
func rollWindow(acct *Account, now time.Time, window time.Duration) bool {
	if acct.WindowResetAt == nil {
		reset := now.Add(window)
		acct.WindowResetAt = &reset
		return true
	}
	if now.Before(*acct.WindowResetAt) {
		return false
	}
	reset := now.Add(window)
	acct.WindowResetAt = &reset
	acct.RequestsUsed = 0
	return true
}

// evaluate decides one gated request against acct, mutating it in place.
// The returned write flag is false when nothing needs persisting, which is
// always the case for a denial.
func evaluate(acct *Account, def TierDefinition, now time.Time, window time.Duration) (Decision, bool) {
	before := acct.Clone()
	rolled := rollWindow(acct, now, window)

	d := Decision{
		AccountID: acct.ID,
		Tier:      acct.Tier,
		Limit:     def.MonthlyAllowance,
	}

	if def.IsUnlimited() {
		d.Allowed = true
		d.Used = acct.RequestsUsed
		d.Remaining = Unlimited
		d.ResetAt = copyTime(acct.WindowResetAt)
		if rolled {
			acct.UpdatedAt = now
		}
		return d, rolled
	}

	if acct.RequestsUsed >= def.MonthlyAllowance {
		// A denial leaves the stored record untouched, including a lazily
		// started window. The caller sees the window the next success would use.
		d.Used = acct.RequestsUsed
		d.Remaining = 0
		d.ResetAt = copyTime(acct.WindowResetAt)
		*acct = *before
		return d, false
	}

	acct.RequestsUsed++
	acct.UpdatedAt = now
	d.Allowed = true
	d.Used = acct.RequestsUsed
	d.Remaining = def.MonthlyAllowance - acct.RequestsUsed
	d.ResetAt = copyTime(acct.WindowResetAt)
	return d, true
}

// remaining reports the allowance left for acct as of now without mutating it
func remaining(acct *Account, def TierDefinition, now time.Time) (used, left int64) {
	used = acct.RequestsUsed
	if acct.WindowResetAt != nil && !now.Before(*acct.WindowResetAt) {
		used = 0
	}
	if def.IsUnlimited() {
		return used, Unlimited
	}
	left = def.MonthlyAllowance - used
	if left < 0 {
		left = 0
	}
	return used, left
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// trailing returns the half-open range (now-d, now]
func trailing(now time.Time, d time.Duration) (from, to time.Time) {
	return now.Add(-d), now
}
