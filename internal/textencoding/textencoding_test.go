package textencoding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c := NewConverter(MacRoman)
	cases := []string{"Greeting", "Weird Name", "a", strings.Repeat("x", 31)}
	for _, s := range cases {
		units, err := c.PascalToUniStr255([]byte(s))
		require.NoError(t, err)
		back, err := c.UniStr255ToPascal(units)
		require.NoError(t, err)
		assert.Equal(t, s, string(back))
	}
}

func TestEscaping(t *testing.T) {
	assert.Equal(t, "Weird:Name", StringByEscapingString("Weird/Name"))
	assert.Equal(t, "safe", StringByEscapingString("safe"))
}

func TestScriptCodeFromExtendedFinderFlags(t *testing.T) {
	code, ok := ScriptCodeFromExtendedFinderFlags(0x0100 | 0x03)
	assert.True(t, ok)
	assert.EqualValues(t, 3, code)

	_, ok = ScriptCodeFromExtendedFinderFlags(0x0100)
	assert.False(t, ok, "zero nibble means use default, not an override")

	_, ok = ScriptCodeFromExtendedFinderFlags(0x03)
	assert.False(t, ok, "badge bit not set, no override even with nonzero nibble")
}
