package usecase

import (
	"testing"

	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input string
		want  int64
		err   bool
	}{
		{input: "1500", want: 150000},
		{input: "99,50", want: 9950},
		{input: " 0.01 ", want: 1},
		{input: "0", err: true},
		{input: "-5", err: true},
		{input: "1.001", err: true},
		{input: "abc", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input, models.DefaultCurrency)
			if tt.err {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "1500.00", FormatAmount(150000, models.DefaultCurrency))
	assert.Equal(t, "0.05", FormatAmount(5, models.DefaultCurrency))
}
