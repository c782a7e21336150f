package model

import "time"

type DeviceUser struct {
	DeviceID       string     `db:"device_id" json:"deviceId"`
	UserID         string     `db:"user_id" json:"userId"`
	OrganizationID *string    `db:"organization_id" json:"organizationId,omitempty"`
	Permissions    Permission `db:"permissions" json:"permissions"`
	GrantedBy      *string    `db:"granted_by" json:"grantedBy,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updatedAt"`
}

type GrantParams struct {
	DeviceID       string
	UserID         string
	OrganizationID *string
	Permissions    Permission
	GrantedBy      *string
}
