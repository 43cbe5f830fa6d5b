package auth

import "time"

// CredentialSource records where a credential was found.
type CredentialSource string

const (
	FromHeader   CredentialSource = "header"
	FromCookie   CredentialSource = "cookie"
	FromMetadata CredentialSource = "metadata"
)

// Credential is an unverified bearer token.
type Credential struct {
	Token  string
	Source CredentialSource
}

// Claims are the verified contents of a credential.
type Claims struct {
	SubjectID string
	Email     string
	IsAdmin   bool
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// User status values stored in the users table.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// UserRecord is the raw row returned by a user store. Roles are unparsed
// because the store may hold names the closed Role set no longer knows.
type UserRecord struct {
	ID             string
	Email          string
	Status         string
	IsAdmin        bool
	Roles          []string
	OrganizationID string
	CompanyID      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Identity is the live view of an authenticated user, loaded once per request.
type Identity struct {
	ID             string
	Email          string
	Roles          []Role
	OrganizationID string
	CompanyID      string
}

// HasOrganization reports whether the identity belongs to an organization.
func (i Identity) HasOrganization() bool { return i.OrganizationID != "" }

func (i Identity) clone() Identity {
	out := i
	if i.Roles != nil {
		out.Roles = append([]Role(nil), i.Roles...)
	}
	return out
}

// PermissionOverride replaces the role default for one permission of one user.
type PermissionOverride struct {
	UserID     string     `json:"user_id"`
	Permission Permission `json:"permission"`
	Granted    bool       `json:"granted"`
	GrantedBy  string     `json:"granted_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Scope is the tenant boundary a request is confined to.
type Scope struct {
	OrganizationID string
	CompanyID      string
}
