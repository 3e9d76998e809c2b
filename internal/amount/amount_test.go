package amount

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Amount
	}{
		{"one", "1", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"smallest unit", "0.000001", 1},
		{"short frac", "1.5", 1_500_000},
		{"leading dot", ".25", 250_000},
		{"trailing dot", "7.", 7_000_000},
		{"ceiling default", "500000", 500_000_000_000},
		{"exponent", "1e3", 1_000_000_000},
		{"truncates beyond six", "1.1234567", 1_123_456},
		{"surrounding space", " 2 ", 2_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrInvalid},
		{"negative", "-1", ErrNegative},
		{"negative exponent form", "-1e2", ErrNegative},
		{"two dots", "1.2.3", ErrInvalid},
		{"letters", "abc", ErrInvalid},
		{"lone dot", ".", ErrInvalid},
		{"too large", "99999999999999999999", ErrOverflow},
		{"too large whole", "9223372036855", ErrOverflow},
		{"infinite", "1e400", ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "0", Amount(0).String())
	assert.Equal(t, "1500", FromUnits(1500).String())
	assert.Equal(t, "0.25", Amount(250_000).String())
	assert.Equal(t, "1.000001", Amount(1_000_001).String())
	assert.Equal(t, "-3.5", Amount(-3_500_000).String())
}

func TestFromMinor(t *testing.T) {
	a, err := FromMinor(12345, 2)
	require.NoError(t, err)
	assert.Equal(t, "123.45", a.String())

	_, err = FromMinor(-1, 2)
	assert.ErrorIs(t, err, ErrNegative)

	_, err = FromMinor(1, 7)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = FromMinor(math.MaxInt64, 0)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestAdd_Saturates(t *testing.T) {
	assert.Equal(t, Amount(3), Amount(1).Add(2))
	assert.Equal(t, Amount(math.MaxInt64), Amount(math.MaxInt64-1).Add(5))
}

func TestJSON(t *testing.T) {
	var v struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 1200.5, "b": "42"}`), &v))
	assert.Equal(t, Amount(1_200_500_000), v.A)
	assert.Equal(t, FromUnits(42), v.B)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1200.5, "b": 42}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"a": null}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a": -5}`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &v))
}
