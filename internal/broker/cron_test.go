package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCronTimeEveryMinute(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)
	next, err := NextCronTime("* * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 31, 0, 0, time.UTC), next)
}

func TestNextCronTimeDaily(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextCronTime("0 9 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC), next)
}

func TestNextCronTimeStrictlyAfterBase(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	next, err := NextCronTime("0 9 * * *", base)
	require.NoError(t, err)
	assert.True(t, next.After(base))
}

func TestNextCronTimeInvalid(t *testing.T) {
	_, err := NextCronTime("not a cron", time.Now().UTC())
	assert.Error(t, err)

	_, err = NextCronTime("0 0 * *", time.Now().UTC())
	assert.Error(t, err, "four fields is not a valid schedule")
}
