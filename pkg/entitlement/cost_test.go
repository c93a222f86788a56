package entitlement

import "testing"

func TestEstimateCostCents(t *testing.T) {
	tests := []struct {
		name        string
		model       string
		inputUnits  int64
		outputUnits int64
		want        int64
	}{
		{
			name:        "known claude model",
			model:       "claude-3-5-sonnet",
			inputUnits:  10_000,
			outputUnits: 2_000,
			want:        10, // 10 * 0.5 + 2 * 2.5
		},
		{
			name:        "known gemini model",
			model:       "gemini-1.5-flash",
			inputUnits:  100_000,
			outputUnits: 10_000,
			want:        32, // 100 * 0.2 + 10 * 1.2
		},
		{
			name:        "unknown model in claude family",
			model:       "claude-99-turbo",
			inputUnits:  10_000,
			outputUnits: 2_000,
			want:        10,
		},
		{
			name:        "vendor prefixed family match",
			model:       "anthropic/new-model",
			inputUnits:  10_000,
			outputUnits: 2_000,
			want:        10,
		},
		{
			name:        "unknown model falls back to default rate",
			model:       "mystery-model",
			inputUnits:  100_000,
			outputUnits: 10_000,
			want:        32, // 100 * 0.175 + 10 * 1.4, rounded
		},
		{
			name:  "tiny request floors at one cent",
			model: "claude-3-haiku",
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateCostCents(tt.model, tt.inputUnits, tt.outputUnits)
			if got != tt.want {
				t.Errorf("EstimateCostCents(%q, %d, %d) = %d, want %d",
					tt.model, tt.inputUnits, tt.outputUnits, got, tt.want)
			}
		})
	}
}

func TestDollarsToCents(t *testing.T) {
	if got := DollarsToCents(1.25); got != 125 {
		t.Errorf("DollarsToCents(1.25) = %d, want 125", got)
	}
	if got := DollarsToCents(20); got != 2000 {
		t.Errorf("DollarsToCents(20) = %d, want 2000", got)
	}
	if got := DollarsToCents(0); got != 0 {
		t.Errorf("DollarsToCents(0) = %d, want 0", got)
	}
}
