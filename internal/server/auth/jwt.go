// Package auth issues and verifies the signed access and refresh tokens.
//
// Access and refresh tokens are signed with different HMAC secrets and carry
// an explicit "type" claim, so neither can stand in for the other.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/authcore/internal/common"
)

// TokenType is the value of the "type" claim.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

const maxLeeway = 5 * time.Minute

// Config holds signing material and token lifetimes.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	// Leeway is the accepted clock skew when checking exp/iat.
	Leeway time.Duration
	// Algorithm is HS256, HS384 or HS512. Empty means HS256.
	Algorithm string
}

// Validate checks that the configuration can produce verifiable tokens.
func (c Config) Validate() error {
	if c.AccessSecret == "" || c.RefreshSecret == "" {
		return errors.New("access and refresh secrets are required")
	}
	if c.AccessSecret == c.RefreshSecret {
		return errors.New("access and refresh secrets must differ")
	}
	if c.Issuer == "" || c.Audience == "" {
		return errors.New("issuer and audience are required")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("token lifetimes must be positive")
	}
	if c.Leeway < 0 || c.Leeway > maxLeeway {
		return fmt.Errorf("leeway must be within [0, %s]", maxLeeway)
	}
	if _, err := signingMethod(c.Algorithm); err != nil {
		return err
	}
	return nil
}

func signingMethod(alg string) (*jwt.SigningMethodHMAC, error) {
	switch alg {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	}
	return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
}

// Claims is the JWT payload shared by both token types.
type Claims struct {
	jwt.RegisteredClaims
	Type  TokenType `json:"type"`
	Roles []string  `json:"roles,omitempty"`
}

// AccessClaims are the verified contents of an access token.
type AccessClaims struct {
	Subject   string
	JTI       string
	Roles     []string
	ExpiresAt time.Time
}

// RefreshClaims are the verified contents of a refresh token.
type RefreshClaims struct {
	Subject   string
	JTI       string
	ExpiresAt time.Time
}

// IssuedToken is a freshly signed token. ExpiresAt equals the exp claim.
type IssuedToken struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

var (
	errInvalidToken = common.NewAuthError("invalid token").WithCause(common.ErrInvalidToken)
	errTokenExpired = common.NewAuthError("token expired").WithCause(common.ErrTokenExpired)
)

type Codec struct {
	cfg    Config
	method *jwt.SigningMethodHMAC
	now    func() time.Time
	newID  func() string
}

func NewCodec(cfg Config) (*Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	method, _ := signingMethod(cfg.Algorithm)
	return &Codec{cfg: cfg, method: method, now: time.Now, newID: uuid.NewString}, nil
}

func (c *Codec) AccessTTL() time.Duration  { return c.cfg.AccessTTL }
func (c *Codec) RefreshTTL() time.Duration { return c.cfg.RefreshTTL }

// IssueAccess signs an access token for subject.
func (c *Codec) IssueAccess(subject string, roles ...string) (IssuedToken, error) {
	return c.issue(subject, TypeAccess, roles, c.cfg.AccessTTL, c.cfg.AccessSecret)
}

// IssueRefresh signs a refresh token for subject.
func (c *Codec) IssueRefresh(subject string) (IssuedToken, error) {
	return c.issue(subject, TypeRefresh, nil, c.cfg.RefreshTTL, c.cfg.RefreshSecret)
}

func (c *Codec) issue(subject string, typ TokenType, roles []string, ttl time.Duration, secret string) (IssuedToken, error) {
	if subject == "" {
		return IssuedToken{}, errors.New("empty subject")
	}
	now := c.now().Truncate(time.Second)
	exp := now.Add(ttl)
	jti := c.newID()

	token := jwt.NewWithClaims(c.method, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			Issuer:    c.cfg.Issuer,
			Audience:  jwt.ClaimStrings{c.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Type:  typ,
		Roles: roles,
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return IssuedToken{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return IssuedToken{Token: signed, JTI: jti, ExpiresAt: exp}, nil
}

// VerifyAccess validates an access token and returns its claims.
func (c *Codec) VerifyAccess(token string) (*AccessClaims, error) {
	claims, err := c.verify(token, TypeAccess, c.cfg.AccessSecret)
	if err != nil {
		return nil, err
	}
	return &AccessClaims{
		Subject:   claims.Subject,
		JTI:       claims.ID,
		Roles:     claims.Roles,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// VerifyRefresh validates a refresh token and returns its claims. The
// caller must still check the server-side row.
func (c *Codec) VerifyRefresh(token string) (*RefreshClaims, error) {
	claims, err := c.verify(token, TypeRefresh, c.cfg.RefreshSecret)
	if err != nil {
		return nil, err
	}
	return &RefreshClaims{
		Subject:   claims.Subject,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (c *Codec) verify(token string, want TokenType, secret string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{c.method.Alg()}),
		jwt.WithIssuer(c.cfg.Issuer),
		jwt.WithAudience(c.cfg.Audience),
		jwt.WithLeeway(c.cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(c.now),
	)

	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errTokenExpired
		}
		return nil, errInvalidToken
	}

	if claims.Type != want || claims.Subject == "" || claims.ID == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

// ExpiresAt decodes the exp claim without verifying the token. It is meant
// for telling clients when a token lapses, never for trust decisions; when
// exp cannot be read it returns now+fallback.
func (c *Codec) ExpiresAt(token string, fallback time.Duration) time.Time {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return c.now().Add(fallback)
	}
	return claims.ExpiresAt.Time
}
