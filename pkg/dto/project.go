package dto

// Dates are "YYYY-MM-DD" or RFC 3339 timestamps.
type CreateProjectRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Kind        string  `json:"kind"`
	StartDate   *string `json:"start_date"`
	EndDate     *string `json:"end_date"`
}

type UpdateProjectRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	StartDate   *string `json:"start_date"`
	EndDate     *string `json:"end_date"`
}

type InviteMemberRequest struct {
	Email string `json:"email"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

// PartialFailureResponse describes a multi-step operation that stopped
// part way. Retrying the same request finishes it.
type PartialFailureResponse struct {
	Error     string   `json:"error"`
	Kind      string   `json:"kind"`
	Op        string   `json:"op"`
	Step      string   `json:"step"`
	StepIndex int      `json:"step_index"`
	Steps     int      `json:"steps"`
	Completed []string `json:"completed"`
	Result    any      `json:"result,omitempty"`
}
