package model

type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// Permission is a grant level on a shared device, ordered read < write < admin < owner.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
	PermissionOwner Permission = "owner"
)

var permissionRank = map[Permission]int{
	PermissionRead:  1,
	PermissionWrite: 2,
	PermissionAdmin: 3,
	PermissionOwner: 4,
}

func (p Permission) Valid() bool {
	_, ok := permissionRank[p]
	return ok
}

// AtLeast reports whether p grants everything other does.
func (p Permission) AtLeast(other Permission) bool {
	return permissionRank[p] >= permissionRank[other] && p.Valid()
}

// CanShare reports whether a holder of p may grant permissions to others.
func (p Permission) CanShare() bool {
	return p.AtLeast(PermissionAdmin)
}

type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)
