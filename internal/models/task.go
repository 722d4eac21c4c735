package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

var priorityRank = map[string]int{
	PriorityLow:    1,
	PriorityMedium: 2,
	PriorityHigh:   3,
}

func ValidPriority(p string) bool {
	_, ok := priorityRank[p]
	return ok
}

type Task struct {
	ID            uuid.UUID  `json:"id"`
	ProjectID     uuid.UUID  `json:"project_id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Priority      string     `json:"priority"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AssigneeEmail *string    `json:"assignee_email,omitempty"`
	CreatedBy     uuid.UUID  `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Overdue reports whether the task is open and its due day is before the
// day of now.
func (t Task) Overdue(now time.Time) bool {
	if t.Completed || t.DueDate == nil {
		return false
	}
	return StartOfDay(*t.DueDate).Before(StartOfDay(now))
}

// DaysRemaining counts whole days from now until the due date. It is
// negative once the task is late and false when there is no due date.
func (t Task) DaysRemaining(now time.Time) (int, bool) {
	if t.DueDate == nil {
		return 0, false
	}
	return DaysBetween(now, *t.DueDate), true
}

// Task orderings offered to clients.
const (
	SortPriority = "priority"
	SortDueDate  = "due_date"
	SortTitle    = "title"
	SortCreated  = "created_at"
)

// CompareTasks orders a before b by the given key. Tasks without a due
// date sort after those with one.
func CompareTasks(key string) func(a, b Task) int {
	switch key {
	case SortPriority:
		return func(a, b Task) int {
			// high first
			return priorityRank[b.Priority] - priorityRank[a.Priority]
		}
	case SortDueDate:
		return func(a, b Task) int {
			switch {
			case a.DueDate == nil && b.DueDate == nil:
				return 0
			case a.DueDate == nil:
				return 1
			case b.DueDate == nil:
				return -1
			}
			return a.DueDate.Compare(*b.DueDate)
		}
	case SortTitle:
		return func(a, b Task) int {
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		}
	case SortCreated:
		return func(a, b Task) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	return nil
}

type TaskStats struct {
	Total          int  `json:"total"`
	Completed      int  `json:"completed"`
	Progress       int  `json:"progress"`
	Overdue        int  `json:"overdue"`
	CompletedToday int  `json:"completed_today"`
	DaysRemaining  *int `json:"days_remaining,omitempty"`
}

// ComputeStats summarizes tasks as of now. Progress is the rounded
// percentage of completed tasks. DaysRemaining counts down to the project
// end when project is not nil.
func ComputeStats(tasks []Task, project *Project, now time.Time) TaskStats {
	var s TaskStats
	today := StartOfDay(now)
	for _, t := range tasks {
		s.Total++
		if t.Completed {
			s.Completed++
			if t.CompletedAt != nil && StartOfDay(*t.CompletedAt).Equal(today) {
				s.CompletedToday++
			}
		}
		if t.Overdue(now) {
			s.Overdue++
		}
	}
	if s.Total > 0 {
		s.Progress = (s.Completed*100 + s.Total/2) / s.Total
	}
	if project != nil {
		days := DaysBetween(now, project.EndDate)
		s.DaysRemaining = &days
	}
	return s
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from from to to.
func DaysBetween(from, to time.Time) int {
	return int(StartOfDay(to).Sub(StartOfDay(from)).Hours() / 24)
}
