package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsMalformedPatterns(t *testing.T) {
	cases := []string{"", "orders..created", ".orders.created", "orders.created.", "orders.**.created", "orders.**.**", "orders.$bad"}
	for _, pattern := range cases {
		_, err := Compile(pattern)
		assert.Errorf(t, err, "Compile(%q) should have rejected a malformed pattern", pattern)
	}
}

func TestMatchExactTopic(t *testing.T) {
	m, err := Compile("orders.created")
	require.NoError(t, err)

	assert.True(t, m.Match("orders.created"), "expected exact match")
	assert.False(t, m.Match("orders.updated"), "expected no match on differing literal")
	assert.False(t, m.Match("orders.created.extra"), "expected no match on extra segment")
}

func TestMatchSingleSegmentWildcard(t *testing.T) {
	m, err := Compile("orders.*.created")
	require.NoError(t, err)

	assert.True(t, m.Match("orders.123.created"), "expected wildcard to match one segment")
	assert.False(t, m.Match("orders.123.456.created"), "expected wildcard to not match multiple segments")
	assert.False(t, m.Match("orders.created"), "expected no match when wildcard segment is missing")
}

func TestMatchTailWildcard(t *testing.T) {
	m, err := Compile("orders.**")
	require.NoError(t, err)

	assert.True(t, m.Match("orders.created"), "expected tail wildcard to match one trailing segment")
	assert.True(t, m.Match("orders.created.eu.west"), "expected tail wildcard to match several trailing segments")
	assert.True(t, m.Match("orders"), "expected tail wildcard to match zero trailing segments")
	assert.False(t, m.Match("payments.created"), "expected no match on differing prefix")
}

func TestValidTopic(t *testing.T) {
	assert.True(t, ValidTopic("orders.created"), "expected valid topic to pass")
	assert.False(t, ValidTopic(""), "expected empty topic to fail")
	assert.False(t, ValidTopic("orders..created"), "expected double-dot topic to fail")
	assert.False(t, ValidTopic("orders.*"), "expected wildcard character to be invalid in a published topic")
}
