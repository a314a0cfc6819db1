// Package model defines the data structures used throughout the application.
package model

import "time"

// Account is a registered user.
//
// IDENTIFIERS:
// ID is assigned by the store on insert and never changes. Login and Email are
// both unique. Social accounts get a synthesized login of the form
// "<external id>@<provider>.com" and may have an empty Email.
//
// WHY PasswordHash HAS json:"-"?
// The hash must never leave the server, not even in an admin response. The
// tag makes it impossible to serialize by accident.
type Account struct {
	ID              int64     `json:"ID"`
	Login           string    `json:"user_login"`
	Email           string    `json:"user_email"`
	PasswordHash    string    `json:"-"`
	DisplayName     string    `json:"display_name"`
	Nickname        string    `json:"nickname"`
	Nicename        string    `json:"user_nicename"`
	URL             string    `json:"user_url"`
	Registered      time.Time `json:"user_registered"`
	ActivationKey   string    `json:"-"` // bcrypt hash of the pending reset key
	ActivationKeyAt time.Time `json:"-"`

	// Meta is the free-form per-account metadata (billing_postcode,
	// profile_picture, ...). Values are always stored as strings.
	Meta map[string]string `json:"meta"`

	// ExternalIdentities maps provider name → external id.
	ExternalIdentities map[string]string `json:"external_identities"`
}

// Meta keys with special handling.
const (
	MetaBillingPostcode  = "billing_postcode"
	MetaShippingPostcode = "shipping_postcode"
	MetaSessionTokens    = "session_tokens"
)

// ExternalProfile is what an identity provider tells us about a user.
type ExternalProfile struct {
	ExternalID  string
	DisplayName string
}

// Session is the authentication artifact returned by every login operation.
type Session struct {
	AccountID int64  `json:"account_id"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds
	Token     string `json:"token"`
}

// ProfileChanges holds the allow-listed core fields of a profile update.
// A nil pointer means "leave unchanged".
type ProfileChanges struct {
	Email       *string
	DisplayName *string
	Nickname    *string
	Nicename    *string
	URL         *string
}

// Empty reports whether no core field is changed.
func (c ProfileChanges) Empty() bool {
	return c.Email == nil && c.DisplayName == nil && c.Nickname == nil &&
		c.Nicename == nil && c.URL == nil
}

// NewAccount is the input for creating an account. PasswordHash may be empty
// for social accounts.
type NewAccount struct {
	Login        string
	Email        string
	PasswordHash string
	DisplayName  string
	Nickname     string
	Nicename     string
	Meta         map[string]string
}

// FormattedAccount is the JSON shape of an account in API responses. Meta
// values are `any` because postcodes are coerced to integers.
type FormattedAccount struct {
	ID                 int64             `json:"ID"`
	Login              string            `json:"user_login"`
	Email              string            `json:"user_email"`
	Nicename           string            `json:"user_nicename"`
	URL                string            `json:"user_url"`
	Registered         string            `json:"user_registered"`
	DisplayName        string            `json:"display_name"`
	Nickname           string            `json:"nickname"`
	Meta               map[string]any    `json:"meta"`
	ExternalIdentities map[string]string `json:"external_identities,omitempty"`
}
