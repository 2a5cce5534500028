package models

import (
	"fmt"
	"strings"
)

// Role is one of the four fixed platform roles.
type Role string

const (
	RoleIssuer       Role = "ISSUER"
	RoleIBAdvisor    Role = "IB_ADVISOR"
	RoleCMARegulator Role = "CMA_REGULATOR"
	RoleCMAAdmin     Role = "CMA_ADMIN"
)

var AllRoles = []Role{RoleIssuer, RoleIBAdvisor, RoleCMARegulator, RoleCMAAdmin}

func (r Role) Valid() bool {
	switch r {
	case RoleIssuer, RoleIBAdvisor, RoleCMARegulator, RoleCMAAdmin:
		return true
	}
	return false
}

// ParseRole is case-insensitive and rejects anything outside the closed set.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
	CompanyID string `json:"companyId,omitempty"`
}
