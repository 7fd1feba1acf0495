package domain

type Role string

const (
	RoleUser    Role = "user"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Principal is the authenticated caller of an operation.
type Principal struct {
	UserID string
	Role   Role
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// IsStaff reports whether the caller may manage the catalogue.
func (p Principal) IsStaff() bool {
	return p.Role == RoleAdmin || p.Role == RoleManager
}
