package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab/internal/events"
)

func TestReplayBufferRecordsPerRequest(t *testing.T) {
	buffer, err := NewReplayBuffer()
	require.NoError(t, err)

	buffer.Record("r1", events.TeamExecutionStart{Goal: "a"})
	buffer.Record("r1", events.TeamExecutionEnd{})
	buffer.Record("r2", events.Keepalive{})

	recorded, ok := buffer.Events("r1")
	require.True(t, ok)
	require.Len(t, recorded, 2)
	assert.Equal(t, events.TypeTeamExecutionStart, recorded[0].Type())

	recorded, ok = buffer.Events("r2")
	require.True(t, ok)
	assert.Len(t, recorded, 1)
}

func TestReplayBufferUnknownRequest(t *testing.T) {
	buffer, err := NewReplayBuffer()
	require.NoError(t, err)

	_, ok := buffer.Events("never-seen")
	assert.False(t, ok)
}

func TestReplayBufferIgnoresEmptyRequestID(t *testing.T) {
	buffer, err := NewReplayBuffer()
	require.NoError(t, err)

	buffer.Record("", events.Keepalive{})
	_, ok := buffer.Events("")
	assert.False(t, ok)
}

func TestReplayBufferCapsHistory(t *testing.T) {
	buffer, err := NewReplayBuffer()
	require.NoError(t, err)

	for i := 0; i < maxEventsPerRequest+100; i++ {
		buffer.Record("r1", events.Keepalive{})
	}
	recorded, ok := buffer.Events("r1")
	require.True(t, ok)
	assert.Len(t, recorded, maxEventsPerRequest)
}

func TestReplayBufferEvictsOldestRequests(t *testing.T) {
	buffer, err := NewReplayBuffer()
	require.NoError(t, err)

	for i := 0; i < replayCapacity+1; i++ {
		buffer.Record(requestKey(i), events.Keepalive{})
	}
	_, ok := buffer.Events(requestKey(0))
	assert.False(t, ok, "the oldest request history must be evicted")
	_, ok = buffer.Events(requestKey(replayCapacity))
	assert.True(t, ok)
}

func requestKey(i int) string {
	return string(rune('a'+i%26)) + string(rune('0'+i/26))
}
