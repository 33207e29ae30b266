package gate

import "time"

// currentStep floors now to the most recent multiple of step, in now's own
// location - the canonical "start of the current frame". now is typically
// produced via time.Now().In(loc) so the floor is anchored to the gate's
// configured timezone, per spec 4.1.
func currentStep(now time.Time, step time.Duration) time.Time {
	if step <= 0 {
		panic(`gate: clock: step must be > 0`)
	}
	_, offset := now.Zone()
	// anchor the floor to local wall-clock time rather than the bare Unix
	// epoch, so that timezone offsets that aren't a multiple of step (e.g.
	// UTC+5:30) don't shift frame boundaries away from local expectations.
	nanos := now.UnixNano() + int64(offset)*int64(time.Second)
	rem := nanos % int64(step)
	if rem < 0 {
		rem += int64(step)
	}
	return now.Add(-time.Duration(rem))
}

// validateWindowAndStep checks that 0 < frameStep < windowSize and that
// windowSize is evenly divisible by frameStep, returning the resulting
// frame count. Both durations are already integer counts of nanoseconds,
// so the check is an exact integer modulo - no floating-point scaling
// trick is needed (contrast spec 4.1's power-of-ten scaling, which exists
// only to work around a floating-point seconds representation).
func validateWindowAndStep(windowSize, frameStep time.Duration) (int, error) {
	if frameStep <= 0 {
		return 0, newConfigError("frame step must be > 0")
	}
	if frameStep >= windowSize {
		return 0, newConfigError("the frame step must be less than the window size")
	}
	if windowSize%frameStep != 0 {
		return 0, newConfigError("window must be divisible by frame step without remainder")
	}
	frames := int(windowSize / frameStep)
	if frames < 2 {
		return 0, newConfigError("window must contain at least 2 frames")
	}
	return frames, nil
}

// validateLimits checks that gateLimit and frameLimit are non-negative and
// that frameLimit doesn't exceed gateLimit when both are set.
func validateLimits(gateLimit, frameLimit int64) error {
	if gateLimit < 0 || frameLimit < 0 {
		return newConfigError("limits must be positive integers or 0")
	}
	if gateLimit > 0 && frameLimit > 0 && frameLimit > gateLimit {
		return newConfigError("frame limit can not exceed gate limit if both of them are above 0")
	}
	return nil
}
