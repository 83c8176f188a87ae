package domain

import "github.com/google/uuid"

// Role is carried in the bearer token issued by the auth service.
type Role string

const (
	RoleClient     Role = "CLIENT"
	RoleFreelancer Role = "FREELANCER"
	RoleCreator    Role = "CREATOR"
	RoleAdmin      Role = "ADMIN"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID uuid.UUID
	Role   Role
}

// SettingCommissionPercentage is the platform_settings key for the live commission rate.
const SettingCommissionPercentage = "commission_percentage"
