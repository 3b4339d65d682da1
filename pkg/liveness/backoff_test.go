package liveness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelay(t *testing.T) {
	cases := []struct {
		attempts uint
		want     time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 15 * time.Second},
		{5, 25 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
		{100, 30 * time.Second},
		{^uint(0), 30 * time.Second},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Delay(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestDelayMatchesFormula(t *testing.T) {
	for n := uint(0); n < 50; n++ {
		want := time.Duration(n) * 5000 * time.Millisecond
		if want > 30000*time.Millisecond {
			want = 30000 * time.Millisecond
		}
		require.Equal(t, want, Delay(n))
	}
}
