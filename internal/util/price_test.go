package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{
			name:     "basic rounding down",
			x:        1.2345,
			tick:     0.01,
			expected: 1.23,
		},
		{
			name:     "tie rounds away from zero",
			x:        1.235,
			tick:     0.01,
			expected: 1.24,
		},
		{
			name:     "exchange tick",
			x:        8.43,
			tick:     0.05,
			expected: 8.45,
		},
		{
			name:     "exact multiple",
			x:        1.25,
			tick:     0.05,
			expected: 1.25,
		},
		{
			name:     "zero tick returns input",
			x:        1.2345,
			tick:     0,
			expected: 1.2345,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestStopLossTrigger(t *testing.T) {
	tests := []struct {
		name     string
		avg      float64
		factor   float64
		expected float64
	}{
		{
			name:     "floors to whole rupees",
			avg:      8.40,
			factor:   1.55,
			expected: 13.0, // 13.02 floored
		},
		{
			name:     "already whole",
			avg:      10.0,
			factor:   1.5,
			expected: 15.0,
		},
		{
			name:     "small premium",
			avg:      1.2,
			factor:   1.55,
			expected: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := StopLossTrigger(tt.avg, tt.factor)
			if result != tt.expected {
				t.Errorf("StopLossTrigger(%v, %v) = %v, expected %v", tt.avg, tt.factor, result, tt.expected)
			}
		})
	}
}

func TestStopLossLimit(t *testing.T) {
	if got := StopLossLimit(13.0); got != 13.5 {
		t.Errorf("StopLossLimit(13.0) = %v, expected 13.5", got)
	}
}

func TestSquareOffPrice(t *testing.T) {
	tests := []struct {
		name     string
		ltp      float64
		buying   bool
		expected float64
	}{
		{
			name:     "buying pads up",
			ltp:      8.43,
			buying:   true,
			expected: 8.65, // 8.63 rounded to 0.05
		},
		{
			name:     "selling pads down",
			ltp:      8.43,
			buying:   false,
			expected: 8.25, // 8.23 rounded to 0.05
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SquareOffPrice(tt.ltp, 0.2, 0.05, tt.buying)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("SquareOffPrice(%v) = %v, expected %v", tt.ltp, result, tt.expected)
			}
		})
	}
}
