package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Antinna/HTTP-3/internal/platform/httpx"
	"github.com/Antinna/HTTP-3/internal/platform/requestctx"
)

const (
	defaultRoleClaim     = "role"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals an expired Firebase ID token.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals a malformed or wrongly signed Firebase ID token.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator turns bearer ID tokens into an Identity on the request context.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
	verified  metric.Int64Counter
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithRoleClaim overrides the custom claim holding the role.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithVerificationTimeout bounds each token verification.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator. A nil verifier rejects every request.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:  verifier,
		roleClaim: defaultRoleClaim,
		timeout:   defaultVerifyTimeout,
		verified:  verificationCounter(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireUser verifies the bearer token. When roles are given the identity must hold one of them. Tokens
// without a role claim are treated as customers.
func (a *Authenticator) RequireUser(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.record(ctx, "firebase", "token_missing")
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(ctx, w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}

			verifyCtx, cancel := context.WithTimeout(ctx, a.timeout)
			token, err := a.verifier.VerifyIDToken(verifyCtx, raw)
			cancel()
			if err != nil {
				switch {
				case errors.Is(err, ErrTokenExpired):
					a.record(ctx, "firebase", "token_expired")
					respondAuthError(ctx, w, http.StatusUnauthorized, "token_expired", "id token expired")
				default:
					a.record(ctx, "firebase", "token_invalid")
					respondAuthError(ctx, w, http.StatusUnauthorized, "invalid_token", "id token verification failed")
				}
				return
			}

			identity := &Identity{
				UID:   token.UID,
				Phone: claimString(token.Claims, "phone_number"),
				Email: claimString(token.Claims, "email"),
				Role:  normaliseRole(claimString(token.Claims, a.roleClaim)),
				token: token,
			}
			if identity.Role == "" {
				identity.Role = RoleCustomer
			}
			if len(allowed) > 0 {
				if _, ok := allowed[identity.Role]; !ok {
					a.record(ctx, "firebase", "role_forbidden")
					respondAuthError(ctx, w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
					return
				}
			}

			requestctx.CallerFrom(ctx).Set(identity.UID, identity.Role)
			a.record(ctx, "firebase", "ok")
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func (a *Authenticator) record(ctx context.Context, kind, outcome string) {
	if a == nil {
		return
	}
	recordVerification(ctx, a.verified, kind, outcome)
}

func recordVerification(ctx context.Context, counter metric.Int64Counter, kind, outcome string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func verificationCounter() metric.Int64Counter {
	counter, err := otel.Meter("github.com/Antinna/HTTP-3/internal/platform/auth").Int64Counter(
		"auth.verifications",
		metric.WithDescription("Credential verification outcomes by kind."),
	)
	if err != nil {
		return nil
	}
	return counter
}

func claimString(claims map[string]any, key string) string {
	if value, ok := claims[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
