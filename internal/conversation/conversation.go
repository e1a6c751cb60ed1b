// Package conversation keeps the append-only log of task assignments and
// results for one orchestration run.
package conversation

import "fmt"

// Role distinguishes who produced a conversation item.
type Role string

const (
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
)

// PreRequisite is a prior task's recorded result, exposed to a dependent
// task as required context.
type PreRequisite struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

// Item is one immutable entry in the conversation log.
type Item struct {
	TaskID        string         `json:"task_id"`
	RoundID       int            `json:"round_id"`
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	ActionType    string         `json:"action_type"`
	AgentID       string         `json:"agent_id,omitempty"`
	AgentName     string         `json:"agent_name,omitempty"`
	Prerequisites []PreRequisite `json:"prerequisites,omitempty"`
}

// Conversation owns an ordered sequence of items. It is created per
// orchestration run and owned by that run's single flow of control, so it
// needs no locking.
type Conversation struct {
	items []Item
}

// New returns an empty conversation.
func New() *Conversation {
	return &Conversation{}
}

// AddAssignment appends the manager's assignment of a task. A task is
// assigned at most once.
func (c *Conversation) AddAssignment(item Item) error {
	if item.TaskID == "" {
		return fmt.Errorf("assignment requires a task id")
	}
	for _, existing := range c.items {
		if existing.TaskID == item.TaskID && existing.Role == RoleManager {
			return fmt.Errorf("task %s already assigned", item.TaskID)
		}
	}
	item.Role = RoleManager
	c.items = append(c.items, item)
	return nil
}

// AddResult appends an agent's result for a task. A task is resolved at
// most once.
func (c *Conversation) AddResult(item Item) error {
	if item.TaskID == "" {
		return fmt.Errorf("result requires a task id")
	}
	for _, existing := range c.items {
		if existing.TaskID == item.TaskID && existing.Role == RoleAgent {
			return fmt.Errorf("task %s already resolved", item.TaskID)
		}
	}
	item.Role = RoleAgent
	c.items = append(c.items, item)
	return nil
}

// Restore seeds the conversation with previously recorded items, preserving
// their roles. Used when a run resumes from persisted history.
func (c *Conversation) Restore(items []Item) {
	c.items = append(c.items, items...)
}

// Items returns the full log in insertion order.
func (c *Conversation) Items() []Item {
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

// MessagesForTask returns every item recorded for the task id, in insertion
// order. An unknown id yields an empty slice, not an error.
func (c *Conversation) MessagesForTask(taskID string) []Item {
	var out []Item
	for _, item := range c.items {
		if item.TaskID == taskID {
			out = append(out, item)
		}
	}
	return out
}

// ResultForTask returns the recorded agent result for a task, if any.
func (c *Conversation) ResultForTask(taskID string) (string, bool) {
	for _, item := range c.items {
		if item.TaskID == taskID && item.Role == RoleAgent {
			return item.Content, true
		}
	}
	return "", false
}

// PrerequisitesFor returns at most one prerequisite per parent id, present
// only for parents with a recorded agent result. A parent without a result
// is a pending dependency and is silently omitted.
func (c *Conversation) PrerequisitesFor(parentIDs []string) []PreRequisite {
	var out []PreRequisite
	for _, parentID := range parentIDs {
		if content, ok := c.ResultForTask(parentID); ok {
			out = append(out, PreRequisite{TaskID: parentID, Content: content})
		}
	}
	return out
}

// AllPrerequisites exposes every recorded agent result, in insertion order.
// Plan tasks receive these when they declare no explicit dependencies.
func (c *Conversation) AllPrerequisites() []PreRequisite {
	var out []PreRequisite
	for _, item := range c.items {
		if item.Role == RoleAgent {
			out = append(out, PreRequisite{TaskID: item.TaskID, Content: item.Content})
		}
	}
	return out
}
