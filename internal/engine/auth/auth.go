// Package auth implements the rank-based authorization checks shared by
// every workflow operation.
package auth

import (
	"fmt"

	"centuria/internal/domain"
)

// rank maps each role onto the total order
// Administrator > Centurion > Decurion > Private.
var rank = map[domain.Role]int{
	domain.RolePrivate:       0,
	domain.RoleDecurion:      1,
	domain.RoleCenturion:     2,
	domain.RoleAdministrator: 3,
}

// UnauthorizedError indicates the caller's rank does not permit the
// operation.
type UnauthorizedError struct {
	CallerID string
	Need     domain.Role
	Reason   string
}

func (e UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return fmt.Sprintf("unauthorized: rank %s or above required", e.Need)
}

// InvalidRoleError indicates a role outside the enumerated set.
type InvalidRoleError struct {
	Role string
}

func (e InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid role %q", e.Role)
}

// Rank returns the numeric position of a role in the order. Unknown roles
// rank below Private.
func Rank(r domain.Role) int {
	if v, ok := rank[r]; ok {
		return v
	}
	return -1
}

// AtLeast reports whether role holds rank min or above.
func AtLeast(role, min domain.Role) bool {
	return Rank(role) >= Rank(min)
}

// Outranks reports whether a holds strictly higher rank than b.
func Outranks(a, b domain.Role) bool {
	return Rank(a) > Rank(b)
}

// CommandStaff reports whether the role is Decurion or above.
func CommandStaff(role domain.Role) bool {
	return AtLeast(role, domain.RoleDecurion)
}

// RequireRank returns an UnauthorizedError unless the caller holds rank
// min or above.
func RequireRank(caller domain.Person, min domain.Role) error {
	if AtLeast(caller.Role, min) {
		return nil
	}
	return UnauthorizedError{CallerID: caller.ID, Need: min}
}
