package models

import "strings"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleManager UserRole = "manager"
	RoleAdmin   UserRole = "admin"
)

// Valid reports whether r is one of the known roles.
func (r UserRole) Valid() bool {
	switch r {
	case RoleStudent, RoleManager, RoleAdmin:
		return true
	}
	return false
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	Email string   `json:"email"`
	Role  UserRole `json:"role"`
}

// Normalized returns the actor with a canonical email.
func (a Actor) Normalized() Actor {
	a.Email = NormalizeEmail(a.Email)
	return a
}

// NormalizeEmail trims and lowercases an address. Every stored or compared
// email goes through it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SameEmail compares two addresses ignoring case and surrounding space.
func SameEmail(a, b string) bool {
	return a != "" && NormalizeEmail(a) == NormalizeEmail(b)
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
