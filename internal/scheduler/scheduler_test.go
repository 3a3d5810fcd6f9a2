package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNextDaily(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		at   string
		want time.Time
	}{
		{
			name: "before wall time fires same day",
			now:  time.Date(2025, 6, 1, 1, 30, 0, 0, time.UTC),
			at:   "02:00",
			want: time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "after wall time fires next day",
			now:  time.Date(2025, 6, 1, 2, 30, 0, 0, time.UTC),
			at:   "02:00",
			want: time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at wall time fires next day",
			now:  time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC),
			at:   "02:00",
			want: time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextDaily(tc.now, tc.at); !got.Equal(tc.want) {
				t.Fatalf("nextDaily(%s, %s) = %s, want %s", tc.now, tc.at, got, tc.want)
			}
		})
	}
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, testLogger())

	now := time.Date(2025, 6, 1, 12, 2, 17, 0, time.UTC)
	want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(want) {
		t.Fatalf("nextTick(%s) = %s, want %s", now, got, want)
	}

	// On an exact boundary the tick moves to the next interval.
	onBoundary := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	wantNext := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(wantNext) {
		t.Fatalf("nextTick(%s) = %s, want %s", onBoundary, got, wantNext)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute}, testLogger())

	now := time.Date(2025, 6, 1, 12, 2, 17, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("nextTick(%s) = %s", now, got)
	}
}

func TestAdvanceDaily(t *testing.T) {
	s := New(Options{At: "02:00"}, testLogger())
	last := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	want := time.Date(2025, 6, 2, 2, 0, 0, 0, time.UTC)
	if got := s.advance(last); !got.Equal(want) {
		t.Fatalf("advance(%s) = %s, want %s", last, got, want)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for missing interval")
		}
	}()
	New(Options{}, testLogger())
}

func TestRunSurvivesTickErrors(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	err := s.Run(ctx, func(ctx context.Context, tick time.Time) error {
		ticks++
		if ticks >= 3 {
			cancel()
		}
		return errors.New("cycle failed")
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
	if ticks < 3 {
		t.Fatalf("got %d ticks, want at least 3 despite tick errors", ticks)
	}
}

func TestRunHonoursCancelledContext(t *testing.T) {
	s := New(Options{Interval: time.Hour}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(ctx context.Context, tick time.Time) error {
		t.Fatal("tick must not fire with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}
