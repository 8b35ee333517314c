package event_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowbroker/flowbroker/cmn/cos"
	"github.com/flowbroker/flowbroker/event"
)

func TestValidateNamespaceRejectsNewlines(t *testing.T) {
	err := event.ValidateNamespace("orders\nshipped")
	require.Error(t, err)
	ve, ok := cos.IsValidationError(err)
	require.True(t, ok)
	require.Equal(t, cos.ErrKindInvalidNamespaceGlob, ve.Kind)
}

func TestValidateNamespaceAcceptsOrdinaryString(t *testing.T) {
	require.NoError(t, event.ValidateNamespace("orders/us-east/shipped"))
}

func TestValidateGlobRejectsEmptyPattern(t *testing.T) {
	err := event.ValidateGlob("")
	require.Error(t, err)
	ve, ok := cos.IsValidationError(err)
	require.True(t, ok)
	require.Equal(t, cos.ErrKindInvalidNamespaceGlob, ve.Kind)
}

func TestMatchGlobLiteralSegments(t *testing.T) {
	require.True(t, event.MatchGlob("orders/us-east", "orders/us-east"))
	require.False(t, event.MatchGlob("orders/us-east", "orders/us-west"))
}

func TestMatchGlobSingleStarMatchesOneSegment(t *testing.T) {
	require.True(t, event.MatchGlob("orders/*/shipped", "orders/us-east/shipped"))
	require.False(t, event.MatchGlob("orders/*/shipped", "orders/shipped"))
	require.False(t, event.MatchGlob("orders/*/shipped", "orders/us-east/eu/shipped"))
}

func TestMatchGlobDoubleStarMatchesZeroOrMoreSegments(t *testing.T) {
	require.True(t, event.MatchGlob("orders/**", "orders"))
	require.True(t, event.MatchGlob("orders/**", "orders/us-east"))
	require.True(t, event.MatchGlob("orders/**", "orders/us-east/shipped"))
	require.False(t, event.MatchGlob("orders/**", "invoices/us-east"))
}

func TestMatchGlobDoubleStarMidPattern(t *testing.T) {
	require.True(t, event.MatchGlob("orders/**/shipped", "orders/shipped"))
	require.True(t, event.MatchGlob("orders/**/shipped", "orders/us-east/eu/shipped"))
	require.False(t, event.MatchGlob("orders/**/shipped", "orders/us-east/cancelled"))
}

func TestMatchGlobEmptyPatternMatchesOnlyEmptyNamespace(t *testing.T) {
	require.True(t, event.MatchGlob("", ""))
	require.False(t, event.MatchGlob("", "orders"))
}
