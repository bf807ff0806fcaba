package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fireSchedule(scheduleType string) *Schedule {
	return &Schedule{
		ID:           "sched-1",
		ScheduleType: scheduleType,
		Timezone:     "UTC",
		StartDate:    time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC),
	}
}

func TestNextFireTimeDaily(t *testing.T) {
	s := fireSchedule(TypeDaily)

	// Before the anchor, the first fire is the anchor itself
	next, err := NextFireTime(s, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, s.StartDate, next)

	// Same day before the fire time
	next, err = NextFireTime(s, time.Date(2026, 1, 20, 7, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 20, 8, 30, 0, 0, time.UTC), next)

	// Same day after the fire time rolls to tomorrow
	next, err = NextFireTime(s, time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 21, 8, 30, 0, 0, time.UTC), next)

	// Exactly at the fire time is not "after", so it rolls forward
	next, err = NextFireTime(s, time.Date(2026, 1, 20, 8, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 21, 8, 30, 0, 0, time.UTC), next)
}

func TestNextFireTimeWeekly(t *testing.T) {
	s := fireSchedule(TypeWeekly)

	// Anchor is a Thursday; fires every Thursday at 08:30
	next, err := NextFireTime(s, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 22, 8, 30, 0, 0, time.UTC), next)
	assert.Equal(t, time.Thursday, next.Weekday())

	// Months later it still lands on the anchor's weekday and time
	next, err = NextFireTime(s, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Thursday, next.Weekday())
	assert.Equal(t, 8, next.Hour())
	assert.Equal(t, 30, next.Minute())
	assert.True(t, next.After(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, next.Sub(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) <= 7*24*time.Hour)
}

func TestNextFireTimeMonthly(t *testing.T) {
	s := fireSchedule(TypeMonthly)

	next, err := NextFireTime(s, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 15, 8, 30, 0, 0, time.UTC), next)

	next, err = NextFireTime(s, next)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 15, 8, 30, 0, 0, time.UTC), next)
}

func TestNextFireTimeMonthlyEndOfMonth(t *testing.T) {
	// Jan 31 anchor: AddDate normalization skips short months forward but the
	// sequence stays strictly increasing
	s := fireSchedule(TypeMonthly)
	s.StartDate = time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)

	next, err := NextFireTime(s, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, next.After(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))

	prev := s.StartDate
	for i := 0; i < 6; i++ {
		next, err := NextFireTime(s, prev)
		require.NoError(t, err)
		assert.True(t, next.After(prev))
		prev = next
	}
}

func TestNextFireTimeCron(t *testing.T) {
	s := fireSchedule(TypeCron)
	s.CronExpression = "0 9 * * 1"

	// Next Monday 09:00 after a Friday
	next, err := NextFireTime(s, time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 19, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestNextFireTimeCronBeforeStart(t *testing.T) {
	s := fireSchedule(TypeCron)
	s.CronExpression = "0 9 * * *"

	// Evaluation never yields a fire before start_date
	next, err := NextFireTime(s, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, next.Before(s.StartDate))
	assert.Equal(t, 9, next.Hour())
}

func TestNextFireTimeTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	s := fireSchedule(TypeDaily)
	s.Timezone = "America/New_York"
	s.StartDate = time.Date(2026, 1, 15, 8, 30, 0, 0, loc)

	// 08:30 New York is 13:30 UTC in January
	next, err := NextFireTime(s, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 8, next.In(loc).Hour())
	assert.Equal(t, 30, next.In(loc).Minute())
	assert.Equal(t, time.Date(2026, 1, 20, 13, 30, 0, 0, time.UTC).Unix(), next.Unix())
}

func TestNextFireTimeInvalidStoredCron(t *testing.T) {
	s := fireSchedule(TypeCron)
	s.CronExpression = "garbage"

	_, err := NextFireTime(s, time.Now())
	require.Error(t, err)
}
