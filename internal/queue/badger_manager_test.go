package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/models"
)

func setupQueue(t *testing.T, visibility time.Duration, maxReceive int) *BadgerManager {
	t.Helper()

	m, err := NewBadgerManager(t.TempDir(), "test_jobs", visibility, maxReceive, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func TestBadgerManager_EnqueueReceiveAck(t *testing.T) {
	m := setupQueue(t, time.Minute, 3)
	ctx := context.Background()

	msg := models.QueueMessage{
		JobID:  "job_1",
		TestNo: "GS-24-0001",
		Year:   "2024",
		Date8:  "20240315",
	}
	require.NoError(t, m.Enqueue(ctx, msg))

	got, ack, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_1", got.JobID)
	assert.Equal(t, "GS-24-0001", got.TestNo)

	require.NoError(t, ack())

	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBadgerManager_EmptyQueue(t *testing.T) {
	m := setupQueue(t, time.Minute, 3)

	_, _, err := m.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBadgerManager_FIFOOrder(t *testing.T) {
	m := setupQueue(t, time.Minute, 3)
	ctx := context.Background()

	for _, id := range []string{"job_a", "job_b", "job_c"} {
		require.NoError(t, m.Enqueue(ctx, models.QueueMessage{JobID: id}))
		time.Sleep(2 * time.Millisecond) // Distinct index timestamps
	}

	for _, want := range []string{"job_a", "job_b", "job_c"} {
		got, ack, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.JobID)
		require.NoError(t, ack())
	}
}

func TestBadgerManager_VisibilityTimeout(t *testing.T) {
	m := setupQueue(t, 50*time.Millisecond, 3)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, models.QueueMessage{JobID: "job_vt"}))

	_, _, err := m.Receive(ctx)
	require.NoError(t, err)

	// Invisible while the first delivery is in flight
	_, _, err = m.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)

	time.Sleep(80 * time.Millisecond)

	got, ack, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_vt", got.JobID)
	require.NoError(t, ack())
}

func TestBadgerManager_MaxReceiveDrops(t *testing.T) {
	m := setupQueue(t, 10*time.Millisecond, 2)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, models.QueueMessage{JobID: "job_poison"}))

	for i := 0; i < 2; i++ {
		_, _, err := m.Receive(ctx)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}

	// Third delivery would exceed maxReceive, message is dropped
	_, _, err := m.Receive(ctx)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestBadgerManager_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m, err := NewBadgerManager(dir, "test_jobs", time.Minute, 3, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, models.QueueMessage{JobID: "job_durable"}))
	require.NoError(t, m.Close())

	m2, err := NewBadgerManager(dir, "test_jobs", time.Minute, 3, arbor.NewLogger())
	require.NoError(t, err)
	defer m2.Close()

	got, ack, err := m2.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_durable", got.JobID)
	require.NoError(t, ack())
}
