package database

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		email VARCHAR(255) UNIQUE NOT NULL,
		display_name VARCHAR(255) NOT NULL DEFAULT '',
		avatar_url VARCHAR(500),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	// Password hashes stay out of the users table so document reads of users
	// never carry them.
	`CREATE TABLE IF NOT EXISTS user_credentials (
		user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		password_hash VARCHAR(255) NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token_hash VARCHAR(255) NOT NULL UNIQUE,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_id ON refresh_tokens(user_id)`,

	// No foreign keys below users: cascades are performed by the mutation
	// gateway, and the repair command must be able to find orphans.
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id UUID NOT NULL REFERENCES users(id),
		kind VARCHAR(20) NOT NULL DEFAULT 'individual',
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		start_date TIMESTAMP WITH TIME ZONE NOT NULL,
		end_date TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_projects_owner_id ON projects(owner_id)`,

	`CREATE TABLE IF NOT EXISTS project_members (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL,
		user_id UUID NOT NULL REFERENCES users(id),
		email VARCHAR(255) NOT NULL,
		role VARCHAR(20) NOT NULL DEFAULT 'member',
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE(project_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_project_members_user_id ON project_members(user_id)`,

	`CREATE TABLE IF NOT EXISTS project_invitations (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		project_id UUID NOT NULL,
		invitee_id UUID NOT NULL REFERENCES users(id),
		invitee_email VARCHAR(255) NOT NULL,
		inviter_id UUID NOT NULL REFERENCES users(id),
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		responded_at TIMESTAMP WITH TIME ZONE
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_project_invitations_open
		ON project_invitations(project_id, invitee_id) WHERE status <> 'rejected'`,

	`CREATE INDEX IF NOT EXISTS idx_project_invitations_invitee_id ON project_invitations(invitee_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		project_id UUID NOT NULL,
		title VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority VARCHAR(20) NOT NULL DEFAULT 'medium',
		due_date TIMESTAMP WITH TIME ZONE,
		completed BOOLEAN NOT NULL DEFAULT FALSE,
		completed_at TIMESTAMP WITH TIME ZONE,
		assignee_email VARCHAR(255),
		created_by UUID NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CHECK ((completed AND completed_at IS NOT NULL) OR (NOT completed AND completed_at IS NULL))
	)`,

	`CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_assignee_email ON tasks(assignee_email)`,
}

func (db *DB) Migrate(ctx context.Context) error {
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
