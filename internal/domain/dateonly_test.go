package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateOnly(t *testing.T) {
	d, err := ParseDateOnly("2026-03-15")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", d.String())

	_, err = ParseDateOnly("15/03/2026")
	assert.Error(t, err)
}

func TestNewDateOnly_TruncatesToUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+13", 13*3600)
	// 2026-03-16 01:30 in UTC+13 is still 2026-03-15 in UTC.
	d := NewDateOnly(time.Date(2026, 3, 16, 1, 30, 0, 0, loc))
	assert.Equal(t, "2026-03-15", d.String())
}

func TestDateOnly_JSONRoundTrip(t *testing.T) {
	d, err := ParseDateOnly("2026-01-31")
	require.NoError(t, err)

	raw, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2026-01-31"`, string(raw))

	var back DateOnly
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, d.String(), back.String())
}

func TestDateOnly_JSONNullAndTimestampFallback(t *testing.T) {
	var d DateOnly
	require.NoError(t, json.Unmarshal([]byte("null"), &d))
	assert.True(t, d.IsZero())

	raw, err := json.Marshal(DateOnly{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	require.NoError(t, json.Unmarshal([]byte(`"2026-06-01T15:04:05Z"`), &d))
	assert.Equal(t, "2026-06-01", d.String())
}

func TestDateOnly_Comparisons(t *testing.T) {
	early, _ := ParseDateOnly("2026-01-01")
	late, _ := ParseDateOnly("2026-12-31")

	assert.True(t, early.Before(late))
	assert.True(t, late.After(early))
	assert.False(t, early.Before(early))
}

func TestDateOnly_ScanAndValue(t *testing.T) {
	var d DateOnly
	require.NoError(t, d.Scan(time.Date(2026, 7, 4, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-07-04", d.String())

	require.NoError(t, d.Scan("2026-07-05"))
	assert.Equal(t, "2026-07-05", d.String())

	require.NoError(t, d.Scan(nil))
	assert.True(t, d.IsZero())

	v, err := DateOnly{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	set, _ := ParseDateOnly("2026-07-06")
	v, err = set.Value()
	require.NoError(t, err)
	assert.Equal(t, "2026-07-06", v)
}
