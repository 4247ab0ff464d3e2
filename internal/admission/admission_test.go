package admission

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateGates(t *testing.T) {
	c := NewController(DefaultLimits())

	tests := []struct {
		name     string
		username string
		present  bool
		active   int
		want     Reason
	}{
		{"valid short name", "sam", true, 0, 0},
		{"valid at policy bound", "abcdef", true, 2, 0},
		{"omitted", "", false, 0, AuthInvalid},
		{"empty", "", true, 0, AuthInvalid},
		{"too short", "ab", true, 1, AuthInvalid},
		{"too long for identity", strings.Repeat("x", 21), true, 0, AuthInvalid},
		{"identity upper bound hits policy", strings.Repeat("x", 20), true, 0, PolicyViolation},
		{"seven chars", "abcdefg", true, 1, PolicyViolation},
		{"capacity beats valid name", "bob", true, 3, CapacityExceeded},
		{"capacity beats bad identity", "", false, 3, CapacityExceeded},
		{"capacity beats policy", "abcdefg", true, 5, CapacityExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rej := c.Evaluate(tt.username, tt.present, tt.active)
			if tt.want == 0 {
				assert.Nil(t, rej)
				return
			}
			require.NotNil(t, rej)
			assert.Equal(t, tt.want, rej.Reason)
		})
	}
}

func TestIdentityGateAlwaysRejectsBadLengths(t *testing.T) {
	c := NewController(DefaultLimits())
	for active := 0; active <= 2; active++ {
		for n := 0; n <= 30; n++ {
			if n >= 3 && n <= 20 {
				continue
			}
			rej := c.Evaluate(strings.Repeat("u", n), true, active)
			require.NotNil(t, rej, "length %d active %d", n, active)
			assert.Equal(t, AuthInvalid, rej.Reason)
		}
	}
}

func TestPolicyGateRejectsLongValidNames(t *testing.T) {
	c := NewController(DefaultLimits())
	for n := 7; n <= 20; n++ {
		rej := c.Evaluate(strings.Repeat("p", n), true, 0)
		require.NotNil(t, rej)
		assert.Equal(t, PolicyViolation, rej.Reason)
	}
}

func TestCapacityScenario(t *testing.T) {
	// Two sessions already open, max 2: the first newcomer still fits because
	// the gate is strictly greater-than; after it joins the count is 3.
	c := NewController(DefaultLimits())
	active := 2

	for _, name := range []string{"bob", "ann", "cid"} {
		rej := c.Evaluate(name, true, active)
		if name == "bob" {
			require.Nil(t, rej)
			active++
			continue
		}
		require.NotNil(t, rej)
		assert.Equal(t, CodeCapacityExceeded, rej.Code())
	}
}

func TestRejectionCodesAndText(t *testing.T) {
	tests := []struct {
		reason Reason
		code   int
		text   string
	}{
		{AuthInvalid, 4001, "invalid identity"},
		{PolicyViolation, 4002, "policy violation"},
		{CapacityExceeded, 4003, "capacity exceeded"},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			rej := &Rejection{Reason: tt.reason}
			assert.Equal(t, tt.code, rej.Code())
			assert.Equal(t, tt.text, rej.Text())
			assert.Contains(t, rej.Error(), tt.text)
		})
	}
	assert.Equal(t, "unknown", Reason(0).String())
}

// Lengths are counted in runes. A UTF-16 count would differ for characters
// outside the Basic Multilingual Plane: "😀😀" is 2 runes but 4 code units.
func TestEvaluateCountsRunes(t *testing.T) {
	c := NewController(DefaultLimits())
	assert.Nil(t, c.Evaluate("ñoño", true, 0))

	assert.Equal(t, AuthInvalid, c.Evaluate("😀😀", true, 0).Reason, "two runes are below the minimum")
	assert.Nil(t, c.Evaluate("😀😀😀", true, 0), "three runes pass although they are six UTF-16 units")
}

func TestSetLimits(t *testing.T) {
	c := NewController(DefaultLimits())
	require.NotNil(t, c.Evaluate("abcdefg", true, 0))

	limits := DefaultLimits()
	limits.PolicyMaxUsername = 10
	limits.MaxConnections = 0
	c.SetLimits(limits)

	assert.Nil(t, c.Evaluate("abcdefg", true, 0))
	assert.Equal(t, CapacityExceeded, c.Evaluate("abcdefg", true, 1).Reason)
	assert.Equal(t, 10, c.Limits().PolicyMaxUsername)
}

func TestLimitsValidate(t *testing.T) {
	assert.NoError(t, DefaultLimits().Validate())

	bad := DefaultLimits()
	bad.MaxConnections = -1
	assert.Error(t, bad.Validate())

	bad = DefaultLimits()
	bad.MinUsername = 30
	assert.Error(t, bad.Validate())

	bad = DefaultLimits()
	bad.PolicyMaxUsername = 0
	assert.Error(t, bad.Validate())
}
