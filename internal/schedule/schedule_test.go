package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestNextRunScalesByUnit(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		unit Unit
		secs int64
	}{
		{Seconds, 1},
		{Minutes, 60},
		{Hours, 3600},
		{Days, 86400},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.unit), func(t *testing.T) {
			t.Parallel()
			for _, mag := range []int64{1, 5, 17, 1000} {
				got := NextRun(now, tt.unit, mag).Sub(now)
				want := time.Duration(mag*tt.secs) * time.Second
				if got != want {
					t.Fatalf("NextRun(%s, %d) delta = %v, want %v", tt.unit, mag, got, want)
				}
			}
		})
	}
}

func TestNextRunIsDeterministic(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)
	a := NextRun(now, Minutes, 5)
	b := NextRun(now, Minutes, 5)
	if !a.Equal(b) || !a.Equal(now.Add(300*time.Second)) {
		t.Fatalf("a=%v b=%v", a, b)
	}
}

func TestParseUnit(t *testing.T) {
	t.Parallel()
	tests := map[string]Unit{
		"seconds": Seconds,
		"Second":  Seconds,
		" min ":   Minutes,
		"HOURS":   Hours,
		"day":     Days,
	}
	for raw, want := range tests {
		got, err := ParseUnit(raw)
		if err != nil {
			t.Fatalf("ParseUnit(%q) error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseUnit(%q) = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseUnit("fortnights"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected ErrInvalidSpec, got %v", err)
	}
}

func TestSpecValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{name: "once", spec: Spec{}, ok: true},
		{name: "interval", spec: Spec{Repeat: true, Unit: Hours, Magnitude: 2}, ok: true},
		{name: "zero magnitude", spec: Spec{Repeat: true, Unit: Hours}},
		{name: "bad unit", spec: Spec{Repeat: true, Unit: "weeks", Magnitude: 1}},
		{name: "cron", spec: Spec{Repeat: true, Cron: "*/5 * * * *"}, ok: true},
		{name: "cron descriptor", spec: Spec{Repeat: true, Cron: "@every 90s"}, ok: true},
		{name: "bad cron", spec: Spec{Repeat: true, Cron: "nope"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.spec.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidSpec) {
				t.Fatalf("Validate() = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestSpecNext(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 12, 2, 30, 0, time.UTC)

	got, err := Spec{Repeat: true, Unit: Minutes, Magnitude: 5}.Next(now)
	if err != nil || !got.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("interval Next = %v, %v", got, err)
	}

	got, err = Spec{Repeat: true, Unit: Minutes, Magnitude: 5, Cron: "*/5 * * * *"}.Next(now)
	if err != nil {
		t.Fatalf("cron Next error: %v", err)
	}
	if want := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("cron Next = %v, want %v", got, want)
	}

	if _, err := (Spec{}).Next(now); err == nil {
		t.Fatal("expected error for non-repeating spec")
	}
}
