package escrow

import (
	"errors"
	"math"
	"testing"

	"github.com/duelpool/duelpool/internal/domain"
)

func TestFee(t *testing.T) {
	tests := []struct {
		name  string
		total uint64
		want  uint64
	}{
		{"zero pool", 0, 0},
		{"below one percent unit", 19, 0},
		{"exact boundary", 20, 1},
		{"scenario a", 400, 20},
		{"scenario c", 50, 2},
		{"truncates", 399, 19},
		{"max pool does not overflow", math.MaxUint64, math.MaxUint64 / 100 * 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fee(tt.total); got != tt.want {
				t.Errorf("Fee(%d) = %d, want %d", tt.total, got, tt.want)
			}
		})
	}
}

func TestReward(t *testing.T) {
	tests := []struct {
		name          string
		distributable uint64
		amount        uint64
		winningPool   uint64
		want          uint64
		wantErr       error
	}{
		{"sole winner takes all", 380, 300, 300, 380, nil},
		{"half share", 380, 150, 300, 190, nil},
		{"truncates toward zero", 95, 1, 3, 31, nil},
		{"override onto empty side", 48, 10, 0, 0, domain.ErrNoWinningStake},
		{"amount exceeds pool is corrupt", 100, 11, 10, 0, domain.ErrInvalidStake},
		{
			// distributable * amount far exceeds uint64; the quotient must
			// still be exact.
			name:          "wide intermediate product",
			distributable: math.MaxUint64 - 5,
			amount:        math.MaxUint64 / 2,
			winningPool:   math.MaxUint64 - 3,
			want:          9223372036854775805,
			wantErr:       nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reward(tt.distributable, tt.amount, tt.winningPool)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Reward() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reward() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Reward(%d, %d, %d) = %d, want %d", tt.distributable, tt.amount, tt.winningPool, got, tt.want)
			}
		})
	}
}

// TestRewardConservation checks that the sum of all winners' rewards never
// exceeds the distributable pool, and that the rounding dust is strictly
// smaller than the number of winning positions.
func TestRewardConservation(t *testing.T) {
	tests := []struct {
		name   string
		stakes []uint64
		losing uint64
	}{
		{"even split", []uint64{100, 100, 100}, 300},
		{"uneven split", []uint64{1, 7, 13, 999}, 500},
		{"dust heavy", []uint64{3, 3, 3, 3, 3, 3, 3}, 1},
		{"single large", []uint64{1 << 40}, 1 << 41},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var winningPool uint64
			for _, s := range tt.stakes {
				winningPool += s
			}
			total := winningPool + tt.losing
			fee := Fee(total)
			distributable := Distributable(total, fee)

			var paid uint64
			for _, s := range tt.stakes {
				r, err := Reward(distributable, s, winningPool)
				if err != nil {
					t.Fatalf("Reward: %v", err)
				}
				paid += r
			}

			if paid > distributable {
				t.Fatalf("paid %d exceeds distributable %d", paid, distributable)
			}
			dust := distributable - paid
			if dust >= uint64(len(tt.stakes)) {
				t.Errorf("dust %d not < number of winners %d", dust, len(tt.stakes))
			}
		})
	}
}

func TestDistributable(t *testing.T) {
	if got := Distributable(400, 20); got != 380 {
		t.Errorf("Distributable(400, 20) = %d, want 380", got)
	}
	if got := Distributable(10, 11); got != 0 {
		t.Errorf("Distributable(10, 11) = %d, want 0", got)
	}
}
