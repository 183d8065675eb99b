package models

import "time"

// Roles a platform user can hold. Admins see every deployment.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User represents a platform user. Users are created lazily on first
// reference and never deleted.
type User struct {
	ID        string    `json:"user_id" validate:"required"`
	Email     string    `json:"email"`
	Role      string    `json:"role" validate:"required,oneof=admin user"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }
