package format

import (
	"testing"
	"time"
)

func TestHumanNumber(t *testing.T) {
	type testCase struct {
		input    uint64
		expected string
	}

	testCases := []testCase{
		{0, "0"},
		{999, "999"},
		{1000, "1.00K"},
		{12500, "12.5K"},
		{1250000, "1.25M"},
		{125000000, "125M"},
		{2800000000, "2.80B"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			result := HumanNumber(tc.input)
			if result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}

func TestHumanBytes(t *testing.T) {
	testCases := []struct {
		input    int64
		expected string
	}{
		{0, "0 B"},
		{999, "999 B"},
		{1000, "1.0 KB"},
		{1500000, "1.5 MB"},
		{3200000000, "3.2 GB"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if result := HumanBytes(tc.input); result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}

func TestClock(t *testing.T) {
	testCases := []struct {
		input    time.Duration
		expected string
	}{
		{0, "0:00:00"},
		{-time.Second, "0:00:00"},
		{1500 * time.Millisecond, "0:00:01"},
		{4*time.Minute + 5*time.Second, "0:04:05"},
		{13*time.Hour + 59*time.Minute + 59*time.Second, "13:59:59"},
		{24 * time.Hour, "1 day, 0:00:00"},
		{51*time.Hour + 4*time.Minute + 5*time.Second, "2 days, 3:04:05"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if result := Clock(tc.input); result != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, result)
			}
		})
	}
}
