// Package model defines domain entities for the application.
package model

import (
	"slices"
	"time"
)

// Permission names an operation an API key may perform.
type Permission string

// Permission constants for API key authorization.
const (
	PermCreate  Permission = "create"
	PermStart   Permission = "start"
	PermStop    Permission = "stop"
	PermDelete  Permission = "delete"
	PermExecute Permission = "execute"
)

// ValidPermissions contains all valid permission values.
var ValidPermissions = []Permission{PermCreate, PermStart, PermStop, PermDelete, PermExecute}

// IsValid reports whether p is a known permission.
func (p Permission) IsValid() bool {
	return slices.Contains(ValidPermissions, p)
}

// APIKey represents an API key entity.
// Permissions are fixed at issue time; reissue a key to change them.
type APIKey struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userid"`
	KeyHash     string       `json:"-"` // Never serialize
	KeyPrefix   string       `json:"key_prefix"`
	Permissions []Permission `json:"permissions"`
	Name        string       `json:"name,omitempty"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// HasPermission checks if the key grants a specific permission.
func (k *APIKey) HasPermission(perm Permission) bool {
	return slices.Contains(k.Permissions, perm)
}

// PermissionStrings returns the permissions as plain strings for storage.
func (k *APIKey) PermissionStrings() []string {
	out := make([]string, len(k.Permissions))
	for i, p := range k.Permissions {
		out[i] = string(p)
	}
	return out
}

// ParsePermissions converts stored strings back into permissions,
// dropping anything unknown.
func ParsePermissions(raw []string) []Permission {
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		if p := Permission(r); p.IsValid() {
			out = append(out, p)
		}
	}
	return out
}

// APIKeyCreateRequest represents a request to create a new API key.
type APIKeyCreateRequest struct {
	Name        string       `json:"name,omitempty"`
	Permissions []Permission `json:"permissions"`
}

// APIKeyCreateResponse includes the plaintext key (shown only once).
type APIKeyCreateResponse struct {
	ID          string       `json:"id"`
	Key         string       `json:"key"` // Plaintext - display once only!
	Name        string       `json:"name,omitempty"`
	KeyPrefix   string       `json:"key_prefix"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
}
