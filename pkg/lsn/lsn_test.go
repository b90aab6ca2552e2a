package lsn

import (
	"strings"
	"testing"
	"time"
)

func TestLag(t *testing.T) {
	tests := []struct {
		name    string
		current LSN
		latest  LSN
		want    uint64
	}{
		{"zero lag", LSN(100), LSN(100), 0},
		{"positive lag", LSN(100), LSN(200), 100},
		{"current ahead", LSN(200), LSN(100), 0},
		{"both zero", LSN(0), LSN(0), 0},
		{"large lag", LSN(0), LSN(1 << 30), 1 << 30},
		{"uninitialized current treated as behind", NonInitialized, LSN(5), 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Lag(tt.current, tt.latest)
			if got != tt.want {
				t.Errorf("Lag(%d, %d) = %d, want %d", tt.current, tt.latest, got, tt.want)
			}
		})
	}
}

func TestFormatLag(t *testing.T) {
	tests := []struct {
		name    string
		ops     uint64
		latency time.Duration
		want    string
	}{
		{"zero", 0, 0, "0 ops (latency: 0s)"},
		{"small", 512, 5 * time.Millisecond, "512 ops (latency: 5ms)"},
		{"thousands", 1500, 10 * time.Millisecond, "1.50K ops (latency: 10ms)"},
		{"millions", 2_500_000, 150 * time.Millisecond, "2.50M ops (latency: 150ms)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatLag(tt.ops, tt.latency)
			if !strings.Contains(got, tt.want) && got != tt.want {
				t.Errorf("FormatLag(%d, %v) = %q, want to contain %q", tt.ops, tt.latency, got, tt.want)
			}
		})
	}
}

func TestFormatLag_LatencyTruncation(t *testing.T) {
	got := FormatLag(0, 1234567*time.Nanosecond)
	if !strings.Contains(got, "latency: 1ms") {
		t.Errorf("FormatLag should truncate to milliseconds, got %q", got)
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		l    LSN
		want bool
	}{
		{Invalid, false},
		{NonInitialized, false},
		{LSN(1), true},
		{Max, true},
	}
	for _, tt := range tests {
		if got := tt.l.IsValid(); got != tt.want {
			t.Errorf("%v.IsValid() = %v, want %v", tt.l, got, tt.want)
		}
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		l    LSN
		want string
	}{
		{Invalid, "invalid"},
		{NonInitialized, "uninitialized"},
		{Max, "max"},
		{LSN(42), "42"},
	}
	for _, tt := range tests {
		if got := tt.l.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int64(tt.l), got, tt.want)
		}
	}
}
