package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindIndividual = "individual"
	KindTeam       = "team"
)

const (
	ProjectActive    = "active"
	ProjectCompleted = "completed"
	ProjectArchived  = "archived"
)

const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

// Membership and invitation states. Accepted and rejected are terminal.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

type Project struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (p Project) IsTeam() bool {
	return p.Kind == KindTeam
}

type Membership struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Invitation struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	InviteeID    uuid.UUID  `json:"invitee_id"`
	InviteeEmail string     `json:"invitee_email"`
	InviterID    uuid.UUID  `json:"inviter_id"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	RespondedAt  *time.Time `json:"responded_at,omitempty"`
}

func (i Invitation) IsPending() bool {
	return i.Status == StatusPending
}
