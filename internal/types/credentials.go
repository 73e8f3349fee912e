package types

import "time"

// AuthType identifies how a credential was obtained
type AuthType string

const (
	AuthTypeOAuth          AuthType = "oauth"
	AuthTypeServiceAccount AuthType = "service_account"
	AuthTypeStatic         AuthType = "static"
)

// Credentials holds a bearer token and what is needed to renew it
type Credentials struct {
	AccessToken         string
	RefreshToken        string
	ExpiryDate          time.Time
	Scopes              []string
	Type                AuthType
	ServiceAccountEmail string
}

// StoredCredentials is the serialized form kept in a token cache
type StoredCredentials struct {
	Profile             string   `json:"profile"`
	AccessToken         string   `json:"access_token"`
	RefreshToken        string   `json:"refresh_token"`
	ExpiryDate          string   `json:"expiry"`
	Scopes              []string `json:"scopes,omitempty"`
	Type                AuthType `json:"type"`
	ServiceAccountEmail string   `json:"service_account_email,omitempty"`
}
