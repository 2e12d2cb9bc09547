package tracker

// Task is a tracker task as returned by the API. Timestamps are unix
// milliseconds carried as strings by the wire format.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	DueDate     string     `json:"due_date,omitempty"`
	DateCreated string     `json:"date_created,omitempty"`
	DateUpdated string     `json:"date_updated,omitempty"`
	Assignees   []Member   `json:"assignees,omitempty"`
	List        *ListRef   `json:"list,omitempty"`
	URL         string     `json:"url,omitempty"`

	TimeSpent    int64 `json:"time_spent,omitempty"`
	TimeEstimate int64 `json:"time_estimate,omitempty"`
}

// TaskStatus is the status object on a task.
type TaskStatus struct {
	Status string `json:"status"`
	Color  string `json:"color,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Priority is the priority object on a task. ID is "1" (urgent)
// through "4" (low).
type Priority struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
}

// Member is a workspace user.
type Member struct {
	ID       int    `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// ListRef is the abbreviated list object embedded in tasks.
type ListRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// List is a full list record including its status set.
type List struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Statuses []TaskStatus `json:"statuses,omitempty"`
}

// TimeEntry is a logged block of time.
type TimeEntry struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	Duration    int64  `json:"duration,omitempty"`
	Start       string `json:"start,omitempty"`
	Billable    bool   `json:"billable,omitempty"`
}

// TaskTime is one task's contribution to a time report.
type TaskTime struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Status    string   `json:"status,omitempty"`
	Millis    int64    `json:"time_spent_ms"`
	Hours     float64  `json:"time_spent_hours"`
	Assignees []Member `json:"assignees,omitempty"`
	URL       string   `json:"url,omitempty"`
}

// TimeSpentReport aggregates logged time across a list.
type TimeSpentReport struct {
	Tasks      []TaskTime `json:"tasks"`
	TotalTasks int        `json:"total_tasks"`
	TotalHours float64    `json:"total_hours_spent"`
}

// TimeTracking summarizes one task's time spent against its estimate.
type TimeTracking struct {
	TaskID          string  `json:"task_id"`
	TaskName        string  `json:"task_name"`
	SpentHours      float64 `json:"time_spent_hours"`
	EstimateHours   float64 `json:"time_estimate_hours"`
	ProgressPercent float64 `json:"progress_percent,omitempty"`
	RemainingHours  float64 `json:"remaining_hours,omitempty"`
}
