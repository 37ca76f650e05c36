package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomationSchedule_Window(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	t.Run("open window", func(t *testing.T) {
		s := &AutomationSchedule{}
		assert.True(t, s.HasStarted(now))
		assert.False(t, s.HasEnded(now))
	})

	t.Run("not yet started", func(t *testing.T) {
		s := &AutomationSchedule{StartsAt: &after}
		assert.False(t, s.HasStarted(now))
	})

	t.Run("window closed", func(t *testing.T) {
		s := &AutomationSchedule{EndsAt: &before}
		assert.True(t, s.HasEnded(now))
	})

	t.Run("ends_at is inclusive", func(t *testing.T) {
		s := &AutomationSchedule{EndsAt: &now}
		assert.False(t, s.HasEnded(now))
	})
}

func TestAutomationSchedule_Location(t *testing.T) {
	t.Run("named timezone", func(t *testing.T) {
		s := &AutomationSchedule{Timezone: "America/New_York"}
		loc := s.Location()
		require.NotNil(t, loc)
		assert.Equal(t, "America/New_York", loc.String())
	})

	t.Run("empty defaults to UTC", func(t *testing.T) {
		s := &AutomationSchedule{}
		assert.Equal(t, time.UTC, s.Location())
	})

	t.Run("garbage defaults to UTC", func(t *testing.T) {
		s := &AutomationSchedule{Timezone: "Mars/Olympus"}
		assert.Equal(t, time.UTC, s.Location())
	})
}

func TestWeekdays_Contains(t *testing.T) {
	days := Weekdays{time.Monday, time.Friday}

	assert.True(t, days.Contains(time.Monday))
	assert.True(t, days.Contains(time.Friday))
	assert.False(t, days.Contains(time.Sunday))
	assert.False(t, Weekdays{}.Contains(time.Monday))
}
