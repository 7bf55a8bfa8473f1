package backoff

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second}, // below 1 treated as 1
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{7, 5 * time.Minute}, // 320s capped
		{50, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := Delay(tc.attempt, base, max); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayIsPure(t *testing.T) {
	for i := 0; i < 10; i++ {
		if Delay(3, time.Second, time.Minute) != Delay(3, time.Second, time.Minute) {
			t.Fatal("Delay is not deterministic")
		}
	}
}

func TestDelayZeroBase(t *testing.T) {
	if got := Delay(5, 0, time.Minute); got != 0 {
		t.Errorf("Delay with zero base = %s, want 0", got)
	}
}

func TestJitterBounds(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 1000; i++ {
		j := Jitter(d)
		if j < d/2 || j > d {
			t.Fatalf("Jitter(%s) = %s, outside [%s, %s]", d, j, d/2, d)
		}
	}
	if Jitter(0) != 0 {
		t.Error("Jitter(0) should be 0")
	}
}
