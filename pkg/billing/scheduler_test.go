package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-chat/atlas/pkg/models"
)

type recordingRunner struct {
	at  []time.Time
	err error
}

func (r *recordingRunner) RunOverageBillingCycleAt(_ context.Context, at time.Time) (models.CycleResult, error) {
	r.at = append(r.at, at)
	return models.CycleResult{ProcessedUsers: 1}, r.err
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(&recordingRunner{}, "not a cron", nil)
	assert.Error(t, err)
}

func TestSchedulerRunOnceBillsClosingMonth(t *testing.T) {
	runner := &recordingRunner{}
	s, err := NewScheduler(runner, "0 6 1 * *", nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 11, 1, 6, 0, 0, 0, time.UTC) }

	s.runOnce()

	require.Len(t, runner.at, 1)
	start, _ := PeriodBounds(runner.at[0])
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestSchedulerRunOnceSurvivesErrors(t *testing.T) {
	runner := &recordingRunner{err: errors.New("db down")}
	s, err := NewScheduler(runner, "@daily", nil)
	require.NoError(t, err)

	assert.NotPanics(t, s.runOnce)
	assert.Len(t, runner.at, 1)
}

func TestSchedulerStartStop(t *testing.T) {
	s, err := NewScheduler(&recordingRunner{}, "0 6 1 * *", nil)
	require.NoError(t, err)

	s.Start(context.Background())
	s.Stop()
}
