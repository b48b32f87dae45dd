// Package token encodes and verifies compact signed bearer tokens.
//
// The codec is stateless: every result is a pure function of the signing key,
// the claims and the clock. Revocation and session checks live in the
// lifecycle manager, not here.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/ids"
	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Kind distinguishes access from refresh tokens.
type Kind string

const (
	Access  Kind = "access"
	Refresh Kind = "refresh"
)

// Claims is the payload of every token.
type Claims struct {
	PrincipalType model.PrincipalType `json:"ptype"`
	Kind          Kind                `json:"kind"`
	SessionID     string              `json:"sid"`
	jwt.RegisteredClaims
}

// PrincipalID parses the subject.
func (c *Claims) PrincipalID() (uuid.UUID, error) {
	return uuid.FromString(c.Subject)
}

// Ref returns the principal addressed by the token.
func (c *Claims) Ref() (model.PrincipalRef, error) {
	id, err := c.PrincipalID()
	if err != nil {
		return model.PrincipalRef{}, err
	}
	return model.PrincipalRef{Type: c.PrincipalType, ID: id}, nil
}

// Expires returns the expiry timestamp or the zero time.
func (c *Claims) Expires() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Codec signs and verifies HS256 tokens.
type Codec struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Codec. The key is copied and never exposed.
func New(key []byte, issuer string, opts ...Option) (*Codec, error) {
	if len(key) == 0 {
		return nil, errors.New("token: signing key is required")
	}
	c := &Codec{key: append([]byte(nil), key...), issuer: issuer, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Issue mints a token for ref with a fresh token id and returns it with its claims.
func (c *Codec) Issue(ref model.PrincipalRef, sessionID string, kind Kind, ttl time.Duration) (string, *Claims, error) {
	if ttl <= 0 {
		return "", nil, errors.New("token: ttl must be positive")
	}
	if !ref.Type.Valid() || ref.ID == uuid.Nil {
		return "", nil, errors.New("token: principal is required")
	}
	now := c.now().UTC().Truncate(time.Second)
	claims := &Claims{
		PrincipalType: ref.Type,
		Kind:          kind,
		SessionID:     sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   ref.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        ids.New(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", nil, fmt.Errorf("token: sign: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, expiry and required claims. It returns
// errs.ErrTokenExpired for expired tokens and errs.ErrTokenInvalid for everything else.
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims, err := c.parse(raw, jwt.WithExpirationRequired(), jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.ErrTokenExpired
		}
		return nil, errs.ErrTokenInvalid
	}
	return claims, nil
}

// VerifyKind is Verify plus a check that the token is of the expected kind.
func (c *Codec) VerifyKind(raw string, kind Kind) (*Claims, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, errs.ErrTokenInvalid
	}
	return claims, nil
}

// DecodeIgnoringExpiry verifies the signature but accepts expired tokens.
// Used by logout, which must work on stale tokens.
func (c *Codec) DecodeIgnoringExpiry(raw string) (*Claims, error) {
	claims, err := c.parse(raw, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, errs.ErrTokenInvalid
	}
	return claims, nil
}

func (c *Codec) parse(raw string, opts ...jwt.ParserOption) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.ErrTokenInvalid
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return c.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errs.ErrTokenInvalid
	}
	if err := validate(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func validate(c *Claims) error {
	if c.ID == "" || c.IssuedAt == nil || c.ExpiresAt == nil {
		return errs.ErrTokenInvalid
	}
	if !c.PrincipalType.Valid() {
		return errs.ErrTokenInvalid
	}
	if c.Kind != Access && c.Kind != Refresh {
		return errs.ErrTokenInvalid
	}
	if _, err := uuid.FromString(c.Subject); err != nil {
		return errs.ErrTokenInvalid
	}
	return nil
}
