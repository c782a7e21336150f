package model

import (
	"time"
)

type PairingRequest struct {
	ID             string    `db:"id" json:"id"`
	PairingCode    string    `db:"pairing_code" json:"pairingCode"`
	AccountID      string    `db:"account_id" json:"accountId"`
	OrganizationID string    `db:"organization_id" json:"organizationId"`
	CreatedBy      string    `db:"created_by" json:"createdBy"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
	ExpiresAt      time.Time `db:"expires_at" json:"expiresAt"`
}

type CreatePairingRequestParams struct {
	PairingCode    string
	AccountID      string
	OrganizationID string
	CreatedBy      string
	Now            time.Time
	ExpiresAt      time.Time
}
