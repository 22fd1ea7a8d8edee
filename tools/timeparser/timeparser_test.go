package timeparser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReceivedAt_TTNNanoseconds(t *testing.T) {
	got, err := ParseReceivedAt("2020-11-16T09:36:55.627573862Z")
	require.NoError(t, err)

	expected := time.Date(2020, 11, 16, 9, 36, 55, 627573862, time.UTC)
	assert.True(t, got.Equal(expected), "expected %v, got %v", expected, got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestParseReceivedAt_OffsetNormalisedToUTC(t *testing.T) {
	got, err := ParseReceivedAt("2024-03-01T12:00:00+02:00")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), got)
}

func TestParseReceivedAt_SpaceSeparator(t *testing.T) {
	got, err := ParseReceivedAt("2024-03-01 12:00:00Z")
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestParseReceivedAt_Invalid(t *testing.T) {
	_, err := ParseReceivedAt("yesterday")
	assert.Error(t, err)

	_, err = ParseReceivedAt("")
	assert.Error(t, err)
}

func TestStorageRoundTripSortsLexically(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 5, time.UTC)
	late := time.Date(2024, 1, 1, 0, 0, 0, 500000000, time.UTC)

	a, b := FormatStorage(early), FormatStorage(late)
	assert.Less(t, a, b)

	parsed, err := ParseStorage(a)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(early))
}
