package dto

type CreateTaskRequest struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Priority      string  `json:"priority"`
	DueDate       *string `json:"due_date"`
	AssigneeEmail string  `json:"assignee_email"`
}

// UpdateTaskRequest changes the fields that are present. An empty
// due_date clears it and an empty assignee_email unassigns the task.
type UpdateTaskRequest struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Priority      *string `json:"priority"`
	DueDate       *string `json:"due_date"`
	AssigneeEmail *string `json:"assignee_email"`
}
