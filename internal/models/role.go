package models

// PrivilegeTier is the closed two-tier admin model. Role strings from
// the user record are parsed into a tier exactly once at the edge;
// everything downstream compares tiers, not strings.
type PrivilegeTier int

const (
	TierNone PrivilegeTier = iota
	TierStandard
	TierElevated
)

// Role strings as stored on the user record.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperadmin = "superadmin"
)

// TierForRole maps a stored role string to its privilege tier.
func TierForRole(role string) PrivilegeTier {
	switch role {
	case RoleSuperadmin:
		return TierElevated
	case RoleAdmin:
		return TierStandard
	default:
		return TierNone
	}
}

// CanUnblock is the single policy decision for lifting origin blocks.
// Unblocking requires the elevated tier; standard admins may block but
// not unblock.
func CanUnblock(tier PrivilegeTier) bool {
	return tier == TierElevated
}

// IsAdmin reports whether the tier grants access to the admin surface.
func IsAdmin(tier PrivilegeTier) bool {
	return tier == TierStandard || tier == TierElevated
}
