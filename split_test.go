package x402

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCalculateSplit(t *testing.T) {
	tests := []struct {
		name                string
		total               string
		feeBps              int
		developer, platform string
		developerPct        string
	}{
		{"twenty percent of one hundred", "100", 2000, "80.000000", "20.000000", "80.00"},
		{"no fee", "10", 0, "10.000000", "0.000000", "100.00"},
		{"five percent", "10", 500, "9.500000", "0.500000", "95.00"},
		{"whole fee", "3", 10000, "0.000000", "3.000000", "0.00"},
		{"rounds half away from zero", "0.000015", 5000, "0.000007", "0.000008", "50.00"},
		{"odd basis points", "1", 333, "0.966700", "0.033300", "96.67"},
		{"zero total", "0", 250, "0.000000", "0.000000", "97.50"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			split, err := CalculateSplit(tt.total, tt.feeBps)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if split.DeveloperAmount != tt.developer || split.PlatformAmount != tt.platform {
				t.Errorf("Expected %s/%s, got %s/%s", tt.developer, tt.platform, split.DeveloperAmount, split.PlatformAmount)
			}
			if split.DeveloperPercentage != tt.developerPct {
				t.Errorf("Expected developer %s%%, got %s", tt.developerPct, split.DeveloperPercentage)
			}
			if split.PlatformFeeBps != tt.feeBps || split.TotalAmount != tt.total {
				t.Errorf("Unexpected echo of inputs: %+v", split)
			}
		})
	}
}

func TestCalculateSplitTwentyPercent(t *testing.T) {
	split, err := CalculateSplit("100", 2000)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := RevenueSplit{
		TotalAmount:         "100",
		DeveloperAmount:     "80.000000",
		PlatformAmount:      "20.000000",
		DeveloperPercentage: "80.00",
		PlatformPercentage:  "20.00",
		PlatformFeeBps:      2000,
	}
	if *split != want {
		t.Errorf("Expected %+v, got %+v", want, *split)
	}
}

func TestCalculateSplitConservesTotal(t *testing.T) {
	totals := []string{"0", "0.000001", "0.000015", "0.1234567", "1", "3.333333", "99.999999", "100", "12345.678901", "1000000"}
	tolerance := decimal.New(1, -6)
	hundred := decimal.NewFromInt(100)

	for _, total := range totals {
		for feeBps := 0; feeBps <= MaxFeeBps; feeBps += 37 {
			checkSplitConserves(t, total, feeBps, tolerance, hundred)
		}
		checkSplitConserves(t, total, MaxFeeBps, tolerance, hundred)
	}
}

func checkSplitConserves(t *testing.T, total string, feeBps int, tolerance, hundred decimal.Decimal) {
	t.Helper()
	name := fmt.Sprintf("%s@%d", total, feeBps)
	split, err := CalculateSplit(total, feeBps)
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	developer := decimal.RequireFromString(split.DeveloperAmount)
	platform := decimal.RequireFromString(split.PlatformAmount)
	want := decimal.RequireFromString(total)
	if diff := developer.Add(platform).Sub(want).Abs(); diff.GreaterThan(tolerance) {
		t.Errorf("%s: %s + %s is off from the total by %s", name, split.DeveloperAmount, split.PlatformAmount, diff)
	}
	if developer.IsNegative() || platform.IsNegative() {
		t.Errorf("%s: negative share %s/%s", name, split.DeveloperAmount, split.PlatformAmount)
	}
	pct := decimal.RequireFromString(split.DeveloperPercentage).Add(decimal.RequireFromString(split.PlatformPercentage))
	if !pct.Equal(hundred) {
		t.Errorf("%s: percentages add up to %s", name, pct)
	}
}

func TestCalculateSplitRejects(t *testing.T) {
	for _, tc := range []struct {
		total  string
		feeBps int
	}{
		{"10", -1},
		{"10", 10001},
		{"ten", 100},
		{"-1", 100},
	} {
		if _, err := CalculateSplit(tc.total, tc.feeBps); !HasCode(err, ErrCodeInvalidPaymentRequest) {
			t.Errorf("CalculateSplit(%q, %d): expected INVALID_PAYMENT_REQUEST, got %v", tc.total, tc.feeBps, err)
		}
	}
}
