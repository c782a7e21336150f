package model

// Actor is the tenant context an operation runs under.
type Actor struct {
	AccountID      string `json:"accountId"`
	OrganizationID string `json:"organizationId"`
	UserID         string `json:"userId"`
}

func (a *Actor) Complete() bool {
	return a != nil && a.AccountID != "" && a.OrganizationID != "" && a.UserID != ""
}
