package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered broadcaster account.
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	Password    string    `json:"-"` // bcrypt hash
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UserPublic is the user shape returned to clients (no credentials).
type UserPublic struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
}

// Public strips credential fields.
func (u *User) Public() UserPublic {
	return UserPublic{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}
