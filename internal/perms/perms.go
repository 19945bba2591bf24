// Package perms defines the closed role and permission sets shared by
// every subsystem. Roles map to fixed permission tags; nothing in the
// broker grants permissions outside this table.
package perms

// Permission is a capability tag checked by subsystems before acting on
// behalf of an agent.
type Permission string

const (
	EventsRead       Permission = "EVENTS_READ"
	EventsWrite      Permission = "EVENTS_WRITE"
	EventsQuery      Permission = "EVENTS_QUERY"
	ExpertCoordinate Permission = "EXPERT_COORDINATE"
	CommandExecute   Permission = "COMMAND_EXECUTE"
	CommandValidate  Permission = "COMMAND_VALIDATE"
	FilesystemRead   Permission = "FILESYSTEM_READ"
	FilesystemWrite  Permission = "FILESYSTEM_WRITE"
	ShadowRead       Permission = "SHADOW_READ"
	ShadowWrite      Permission = "SHADOW_WRITE" // annotations only
	Admin            Permission = "ADMIN"
)

// Role is one of the closed set of agent roles.
type Role string

const (
	RoleGuest   Role = "guest"
	RoleBuilder Role = "builder-agent"
	RoleExpert  Role = "expert-agent"
	RoleSystem  Role = "system-agent"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleBuilder, RoleExpert, RoleSystem, RoleAdmin:
		return true
	}
	return false
}

// rolePermissions is the authoritative role → permission table.
// Builder agents touch the real filesystem; expert agents only see the
// shadow projection and may write annotations to it.
var rolePermissions = map[Role][]Permission{
	RoleGuest: {EventsRead},
	RoleBuilder: {
		EventsRead, EventsWrite, EventsQuery,
		CommandExecute, FilesystemRead, FilesystemWrite,
	},
	RoleExpert: {
		EventsRead, EventsWrite, EventsQuery,
		ExpertCoordinate, CommandValidate, ShadowRead, ShadowWrite,
	},
	RoleSystem: {
		EventsRead, EventsWrite, EventsQuery,
		ExpertCoordinate, CommandExecute, CommandValidate,
		ShadowRead, ShadowWrite, Admin,
	},
	RoleAdmin: {
		EventsRead, EventsWrite, EventsQuery,
		ExpertCoordinate, CommandValidate, ShadowRead, Admin,
	},
}

// ForRole returns a copy of the permission set for a role.
func ForRole(r Role) []Permission {
	src := rolePermissions[r]
	out := make([]Permission, len(src))
	copy(out, src)
	return out
}

// RoleHas reports whether the role's fixed set contains p.
func RoleHas(r Role, p Permission) bool {
	for _, have := range rolePermissions[r] {
		if have == p {
			return true
		}
	}
	return false
}
