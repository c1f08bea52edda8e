package refresh

import (
	"testing"
	"time"
)

func TestJitterDuration_BoundedAndZeroSafe(t *testing.T) {
	if got := jitterDuration(0); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
	for i := 0; i < 50; i++ {
		d := jitterDuration(10 * time.Second)
		if d < 0 || d >= 10*time.Second {
			t.Fatalf("jitter %v out of bounds [0, 10s)", d)
		}
	}
}

