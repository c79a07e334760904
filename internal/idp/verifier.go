package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Subject is the verified outcome of session validation: who the provider
// says is calling, plus optional hints threaded through the login flow.
type Subject struct {
	// ExternalID is the provider-issued stable subject id.
	ExternalID string
	Email      string
	Name       string
	// OrgHint is the provider-side organization id the session was opened
	// for, when the provider includes one. Never trusted for authorization,
	// only used to pick among multiple memberships.
	OrgHint string
	// PractitionerIntent is set when the registration flow carried an
	// explicit expert-signup flag in its state parameter.
	PractitionerIntent bool
}

type subjectClaims struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	OrgID  string `json:"org_id"`
	Intent string `json:"intent"`
	jwt.RegisteredClaims
}

// Verifier validates provider-issued bearer tokens. Validation is pure: no
// side effects beyond key-cache refreshes.
type Verifier struct {
	logger   *slog.Logger
	keys     *KeyCache
	issuer   string
	audience string
}

func NewVerifier(logger *slog.Logger, keys *KeyCache, issuer, audience string) *Verifier {
	return &Verifier{logger: logger, keys: keys, issuer: issuer, audience: audience}
}

// Verify checks signature, expiry, issuer and audience of a raw bearer token
// and returns the verified subject.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (Subject, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return Subject{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims subjectClaims
	token, err := jwt.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %s", ErrInvalidToken, t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing key id", ErrInvalidToken)
		}
		return v.keys.Key(ctx, kid)
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256"}),
	)
	if err != nil {
		// Key-set unavailability is the one failure that is not the
		// caller's fault; everything else means re-login.
		if errors.Is(err, ErrProviderUnavailable) {
			return Subject{}, err
		}
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Subject{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return Subject{
		ExternalID:         claims.Subject,
		Email:              strings.ToLower(strings.TrimSpace(claims.Email)),
		Name:               claims.Name,
		OrgHint:            claims.OrgID,
		PractitionerIntent: claims.Intent == "practitioner",
	}, nil
}
