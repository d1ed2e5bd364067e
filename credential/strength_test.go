package credential

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStrength(t *testing.T) {
	tests := []struct {
		name     string
		password string
		reasons  int
	}{
		{"strong", "Secret1!", 0},
		{"too short", "Se1!", 1},
		{"no upper", "secret1!", 1},
		{"no lower", "SECRET1!", 1},
		{"no digit", "Secret!!", 1},
		{"no special", "Secret11", 1},
		{"empty", "", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStrength(tt.password)
			if tt.reasons == 0 {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrWeakPassword)
			var weak *WeakPasswordError
			require.True(t, errors.As(err, &weak))
			assert.Len(t, weak.Reasons, tt.reasons)
		})
	}
}

func TestValidateStrength_CommonPassword(t *testing.T) {
	err := ValidateStrength("password")
	var weak *WeakPasswordError
	require.True(t, errors.As(err, &weak))
	assert.Contains(t, weak.Reasons, "is too common")
}
