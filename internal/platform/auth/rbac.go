package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Clinic roles. Admin implicitly satisfies every role check.
const (
	RoleAdmin     = "admin"
	RolePhysician = "physician"
	RoleNurse     = "nurse"
	RoleRegistrar = "registrar"
	RolePatient   = "patient"
)

// RequireRole returns middleware that checks if the user has at least one of the specified roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == RoleAdmin {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// Principal is the authenticated caller as the scheduling core sees it.
type Principal struct {
	Subject      string
	Roles        []string
	EmployeeCode string
	PatientCode  string
}

// PrincipalFromContext assembles the caller identity from the request context.
func PrincipalFromContext(ctx context.Context) Principal {
	return Principal{
		Subject:      UserIDFromContext(ctx),
		Roles:        RolesFromContext(ctx),
		EmployeeCode: EmployeeIDFromContext(ctx),
		PatientCode:  PatientIDFromContext(ctx),
	}
}

// HasRole reports whether the principal carries the role (admin counts as all).
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role || r == RoleAdmin {
			return true
		}
	}
	return false
}

// VisibilityScope limits which appointments a principal may read.
// An empty scope means full visibility.
type VisibilityScope struct {
	// PatientCode restricts reads to the patient's own appointments.
	PatientCode string
	// EmployeeCode restricts reads to appointments where the employee is the
	// primary doctor or a participant.
	EmployeeCode string
}

// Unrestricted reports whether the scope imposes no row filter.
func (v VisibilityScope) Unrestricted() bool {
	return v.PatientCode == "" && v.EmployeeCode == ""
}

// ScopeFor derives the visibility scope for appointment reads.
// Admins and registrars see everything; patients see only their own rows;
// clinical staff see rows where they are the primary doctor or a participant.
func ScopeFor(p Principal) VisibilityScope {
	if p.HasRole(RoleAdmin) || p.HasRole(RoleRegistrar) {
		return VisibilityScope{}
	}
	if p.HasRole(RolePatient) {
		return VisibilityScope{PatientCode: p.PatientCode}
	}
	return VisibilityScope{EmployeeCode: p.EmployeeCode}
}
