package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignmentThenResult(t *testing.T) {
	conv := New()
	require.NoError(t, conv.AddAssignment(Item{TaskID: "t1", Content: "fetch data", AgentName: "fetcher"}))
	require.NoError(t, conv.AddResult(Item{TaskID: "t1", Content: "42 rows", AgentName: "fetcher"}))

	items := conv.Items()
	require.Len(t, items, 2)
	assert.Equal(t, RoleManager, items[0].Role)
	assert.Equal(t, RoleAgent, items[1].Role)

	content, ok := conv.ResultForTask("t1")
	require.True(t, ok)
	assert.Equal(t, "42 rows", content)
}

func TestDuplicateAssignmentRejected(t *testing.T) {
	conv := New()
	require.NoError(t, conv.AddAssignment(Item{TaskID: "t1"}))
	assert.Error(t, conv.AddAssignment(Item{TaskID: "t1"}))
	// A result for the same task is a different role and still fine.
	assert.NoError(t, conv.AddResult(Item{TaskID: "t1"}))
	assert.Error(t, conv.AddResult(Item{TaskID: "t1"}))
}

func TestEmptyTaskIDRejected(t *testing.T) {
	conv := New()
	assert.Error(t, conv.AddAssignment(Item{}))
	assert.Error(t, conv.AddResult(Item{}))
}

func TestPrerequisitesForOmitsPendingParents(t *testing.T) {
	conv := New()
	require.NoError(t, conv.AddAssignment(Item{TaskID: "t1"}))
	require.NoError(t, conv.AddResult(Item{TaskID: "t1", Content: "first"}))
	require.NoError(t, conv.AddAssignment(Item{TaskID: "t2"}))
	// t2 has no result yet.

	prereqs := conv.PrerequisitesFor([]string{"t1", "t2", "missing"})
	require.Len(t, prereqs, 1)
	assert.Equal(t, PreRequisite{TaskID: "t1", Content: "first"}, prereqs[0])
}

func TestAllPrerequisitesInInsertionOrder(t *testing.T) {
	conv := New()
	require.NoError(t, conv.AddResult(Item{TaskID: "t1", Content: "a"}))
	require.NoError(t, conv.AddResult(Item{TaskID: "t2", Content: "b"}))

	prereqs := conv.AllPrerequisites()
	require.Len(t, prereqs, 2)
	assert.Equal(t, "t1", prereqs[0].TaskID)
	assert.Equal(t, "t2", prereqs[1].TaskID)
}

func TestRestorePreservesRoles(t *testing.T) {
	conv := New()
	conv.Restore([]Item{
		{TaskID: "t1", Role: RoleManager, Content: "do it"},
		{TaskID: "t1", Role: RoleAgent, Content: "done"},
	})

	items := conv.Items()
	require.Len(t, items, 2)
	assert.Equal(t, RoleManager, items[0].Role)

	// Restored results count as resolved tasks.
	assert.Error(t, conv.AddResult(Item{TaskID: "t1"}))
}

func TestMessagesForTask(t *testing.T) {
	conv := New()
	require.NoError(t, conv.AddAssignment(Item{TaskID: "t1"}))
	require.NoError(t, conv.AddAssignment(Item{TaskID: "t2"}))
	require.NoError(t, conv.AddResult(Item{TaskID: "t1"}))

	assert.Len(t, conv.MessagesForTask("t1"), 2)
	assert.Len(t, conv.MessagesForTask("t2"), 1)
	assert.Empty(t, conv.MessagesForTask("unknown"))
}

func TestItemsReturnsCopy(t *testing.T) {
	conv := New()
	require.NoError(t, conv.AddResult(Item{TaskID: "t1", Content: "a"}))
	items := conv.Items()
	items[0].Content = "mutated"

	content, _ := conv.ResultForTask("t1")
	assert.Equal(t, "a", content)
}
