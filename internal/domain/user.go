package domain

import "time"

// User represents an identity resolved from the CRM identity provider.
// Created on the first successful OAuth callback for a subject id and
// updated, never recreated, on each subsequent login.
type User struct {
	ID          int64
	ExternalID  string
	Email       string
	DisplayName string
	LastLoginAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
