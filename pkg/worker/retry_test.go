package worker

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := 60 * time.Second
	cap := 600 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(base, cap, attempt)
		if d > cap {
			t.Errorf("attempt %d: delay %v exceeds cap %v", attempt, d, cap)
		}
		if d <= 0 {
			t.Errorf("attempt %d: non-positive delay %v", attempt, d)
		}
	}

	// First attempt stays within jitter of the base
	d := backoffDelay(base, cap, 0)
	min := time.Duration(float64(base) * (1 - backoffJitter))
	max := time.Duration(float64(base) * (1 + backoffJitter))
	if d < min || d > max {
		t.Errorf("attempt 0 delay %v outside [%v, %v]", d, min, max)
	}

	// Deep attempts sit at the cap (within jitter reduction)
	deep := backoffDelay(base, cap, 20)
	if deep < time.Duration(float64(cap)*(1-backoffJitter)) {
		t.Errorf("attempt 20 delay %v far below cap %v", deep, cap)
	}
}

func TestBackoffDelayDefaults(t *testing.T) {
	d := backoffDelay(0, 0, 0)
	min := time.Duration(float64(defaultBackoffBase) * (1 - backoffJitter))
	max := time.Duration(float64(defaultBackoffBase) * (1 + backoffJitter))
	if d < min || d > max {
		t.Errorf("default delay %v outside [%v, %v]", d, min, max)
	}
}
