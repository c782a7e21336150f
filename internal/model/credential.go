package model

// DeviceCredential is an access/refresh token pair bound to one device.
type DeviceCredential struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresIn        int    `json:"expiresIn"`
	RefreshExpiresIn int    `json:"refreshExpiresIn"`
	DeviceID         string `json:"deviceId"`
}
