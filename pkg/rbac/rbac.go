package rbac

import "slices"

// 权限常量
const (
	PermissionReadAnalytics    = "analytics:read"
	PermissionWriteEmail       = "email:write"
	PermissionRunDispatch      = "dispatch:run"
	PermissionGenerateVariant  = "variant:generate"
	PermissionSyncContacts     = "contact:sync"
	PermissionWriteIntegration = "integration:write"

	// 仅管理员
	PermissionReplayOutbox = "outbox:replay"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var userPermissions = []string{
	PermissionReadAnalytics,
	PermissionWriteEmail,
	PermissionRunDispatch,
	PermissionGenerateVariant,
	PermissionSyncContacts,
	PermissionWriteIntegration,
}

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser:  userPermissions,
	RoleAdmin: append(slices.Clone(userPermissions), PermissionReplayOutbox),
}

func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission reports whether role grants permission. Unknown roles have
// no permissions.
func HasPermission(role, permission string) bool {
	return slices.Contains(rolePermissions[role], permission)
}

// CheckPermission is HasPermission returning an error for handlers.
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions: " + e.Permission
}
