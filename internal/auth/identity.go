package auth

import (
	"slices"

	"github.com/propelr/propelr/internal/model"
)

// Identity is the authenticated principal of a request. It is either a
// *BearerIdentity or a *KeyIdentity.
type Identity interface {
	OwnerID() string
	identity()
}

// BearerIdentity is resolved from a signed session token and acts with
// full access over the owner's resources.
type BearerIdentity struct {
	UserID string
	Email  string
}

// KeyIdentity is resolved from an API key and is limited to the key's
// permission set.
type KeyIdentity struct {
	UserID      string
	KeyID       string
	KeyPrefix   string
	Permissions []model.Permission
}

// OwnerID returns the user the identity acts for.
func (b *BearerIdentity) OwnerID() string { return b.UserID }

// OwnerID returns the user the identity acts for.
func (k *KeyIdentity) OwnerID() string { return k.UserID }

func (*BearerIdentity) identity() {}
func (*KeyIdentity) identity()    {}

// HasPermission reports whether id may perform perm. Unknown or nil
// identities are denied.
func HasPermission(id Identity, perm model.Permission) bool {
	switch v := id.(type) {
	case *BearerIdentity:
		return v != nil
	case *KeyIdentity:
		return v != nil && slices.Contains(v.Permissions, perm)
	default:
		return false
	}
}
