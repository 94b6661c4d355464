package domain

// Priority ranks a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is a user's to-do item. CompletedAt and CompletionNotes are only set
// while Completed is true.
type Task struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	DueDate         string   `json:"dueDate"`
	Priority        Priority `json:"priority"`
	Assignee        string   `json:"assignee"`
	Completed       bool     `json:"completed"`
	CreatedAt       int64    `json:"createdAt"`
	CompletedAt     int64    `json:"completedAt,omitempty"`
	CompletionNotes string   `json:"completionNotes,omitempty"`
}

// TaskFields are the user-editable attributes of a task.
type TaskFields struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	DueDate     string   `json:"dueDate"`
	Priority    Priority `json:"priority"`
	Assignee    string   `json:"assignee"`
}

// TaskPatch is a partial edit. Nil fields are left as stored.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	DueDate     *string   `json:"dueDate,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Assignee    *string   `json:"assignee,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil && p.Priority == nil && p.Assignee == nil
}

// TaskStats summarizes a task list for the dashboard.
type TaskStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	// Progress is the completed share in whole percent.
	Progress int `json:"progress"`
}
