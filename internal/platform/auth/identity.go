package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles carried in the "role" custom claim of Firebase ID tokens.
const (
	RoleCustomer       = "customer"
	RoleDeliveryPerson = "delivery_person"
	RoleAdmin          = "admin"
)

// Identity is the authenticated caller behind a Firebase ID token. Customers usually sign in with phone OTP,
// so Phone is populated far more often than Email.
type Identity struct {
	UID   string
	Phone string
	Email string
	Role  string

	token *firebaseauth.Token
}

// Token exposes the decoded ID token.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity carries any of roles.
func (i *Identity) HasRole(roles ...string) bool {
	if i == nil {
		return false
	}
	for _, role := range roles {
		if normaliseRole(role) == i.Role && i.Role != "" {
			return true
		}
	}
	return false
}

type identityContextKey struct{}

// WithIdentity stores the identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity placed by RequireUser, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "rider", "delivery", "deliveryperson", "delivery-person":
		return RoleDeliveryPerson
	case "user":
		return RoleCustomer
	}
	return role
}
