package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Append(Event{Time: now, Type: EventSpawn, TaskName: "A", Point: "20200101T0000Z", Flow: "main"}))
	require.NoError(t, s.Append(Event{Time: now, Type: EventTaskState, TaskName: "A", Point: "20200101T0000Z", Status: "submitted", SubmitNum: 1, JobID: "42"}))
	require.NoError(t, s.Sync())

	events, err := s.Replay()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventSpawn, events[0].Type)
	assert.Equal(t, "42", events[1].JobID)
	assert.Equal(t, 1, events[1].SubmitNum)
}

func TestReplaySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(Event{Type: EventSpawn, TaskName: "A"}))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Append(Event{Type: EventTaskState, TaskName: "A", Status: "running"}))

	events, err := reopened.Replay()
	require.NoError(t, err)
	require.Len(t, events, 2, "append mode preserves the prior run's events")
}

func TestReplaySkipsCorruptTrailingLine(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(Event{Type: EventSpawn, TaskName: "A"}))
	require.NoError(t, s.Close())

	// Simulate a crash mid-write.
	f, err := os.OpenFile(filepath.Join(dir, "run.log"), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"task-sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()
	events, err := reopened.Replay()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSpawn, events[0].Type)
}
