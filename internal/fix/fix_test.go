package fix

import (
	"sync"
	"testing"
	"time"
)

func TestNew_ValidityRules(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name  string
		raw   Raw
		check func(t *testing.T, f Fix)
	}{
		{
			name: "negative vertical accuracy drops altitude",
			raw: Raw{
				Timestamp:        ts,
				AltitudeMeters:   120.5,
				VerticalAccuracy: -1,
			},
			check: func(t *testing.T, f Fix) {
				if f.AltitudeMeters != nil {
					t.Errorf("expected nil altitude, got %v", *f.AltitudeMeters)
				}
				if f.VerticalAccuracyMeters != 0 {
					t.Errorf("expected vertical accuracy 0, got %v", f.VerticalAccuracyMeters)
				}
			},
		},
		{
			name: "valid vertical accuracy keeps altitude",
			raw: Raw{
				Timestamp:        ts,
				AltitudeMeters:   120.5,
				VerticalAccuracy: 3.2,
			},
			check: func(t *testing.T, f Fix) {
				if f.AltitudeMeters == nil || *f.AltitudeMeters != 120.5 {
					t.Errorf("expected altitude 120.5, got %v", f.AltitudeMeters)
				}
				if f.VerticalAccuracyMeters != 3.2 {
					t.Errorf("expected vertical accuracy 3.2, got %v", f.VerticalAccuracyMeters)
				}
			},
		},
		{
			name: "negative speed and accuracy clamp to zero",
			raw: Raw{
				Timestamp:          ts,
				SpeedMPS:           -0.5,
				HorizontalAccuracy: -10,
			},
			check: func(t *testing.T, f Fix) {
				if f.SpeedMPS != 0 {
					t.Errorf("expected speed 0, got %v", f.SpeedMPS)
				}
				if f.HorizontalAccuracyMeters != 0 {
					t.Errorf("expected horizontal accuracy 0, got %v", f.HorizontalAccuracyMeters)
				}
			},
		},
		{
			name: "negative course becomes zero",
			raw:  Raw{Timestamp: ts, CourseDegrees: -1},
			check: func(t *testing.T, f Fix) {
				if f.CourseDegrees != 0 {
					t.Errorf("expected course 0, got %v", f.CourseDegrees)
				}
			},
		},
		{
			name: "negative heading means no compass",
			raw:  Raw{Timestamp: ts, HeadingDegrees: -1},
			check: func(t *testing.T, f Fix) {
				if f.HeadingDegrees != nil {
					t.Errorf("expected nil heading, got %v", *f.HeadingDegrees)
				}
			},
		},
		{
			name: "heading preserved when reported",
			raw:  Raw{Timestamp: ts, HeadingDegrees: 271.5},
			check: func(t *testing.T, f Fix) {
				if f.HeadingDegrees == nil || *f.HeadingDegrees != 271.5 {
					t.Errorf("expected heading 271.5, got %v", f.HeadingDegrees)
				}
			},
		},
		{
			name: "battery clamped into unit range",
			raw:  Raw{Timestamp: ts, BatteryFraction: 1.7},
			check: func(t *testing.T, f Fix) {
				if f.BatteryFraction != 1 {
					t.Errorf("expected battery 1, got %v", f.BatteryFraction)
				}
			},
		},
		{
			name: "unavailable battery reports zero",
			raw:  Raw{Timestamp: ts, BatteryFraction: -1},
			check: func(t *testing.T, f Fix) {
				if f.BatteryFraction != 0 {
					t.Errorf("expected battery 0, got %v", f.BatteryFraction)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, New(tc.raw, 1))
		})
	}
}

func TestCounter_Monotonic(t *testing.T) {
	var c Counter

	prev := uint64(0)
	for i := 0; i < 1000; i++ {
		n := c.Next()
		if n <= prev {
			t.Fatalf("sequence went backwards: %d after %d", n, prev)
		}
		prev = n
	}
}

func TestCounter_NoCollisionsUnderConcurrency(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 500

	var c Counter
	var wg sync.WaitGroup
	results := make(chan uint64, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]struct{}, goroutines*perGoroutine)
	for n := range results {
		if _, dup := seen[n]; dup {
			t.Fatalf("duplicate sequence number %d", n)
		}
		seen[n] = struct{}{}
	}
}
