package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, expired, or signed for another issuer or audience.
var ErrInvalidToken = errors.New("invalid token")

// Subject identifies the session a token was issued for.
type Subject struct {
	SessionID string
	AccountID string
	ClinicID  string
	// DeviceSessionID is empty when the login carried no device metadata.
	DeviceSessionID string
}

// Token kinds carried in the typ claim so one kind cannot stand in for the other.
const (
	typeAccess  = "access"
	typeRefresh = "refresh"
)

// AccessClaims holds JWT claims for the access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Type            string `json:"typ"`
	ClinicID        string `json:"clinic_id"`
	SessionID       string `json:"session_id"`
	DeviceSessionID string `json:"dsid,omitempty"`
}

// RefreshClaims holds JWT claims for the refresh token (includes jti for rotation).
type RefreshClaims struct {
	jwt.RegisteredClaims
	Type            string `json:"typ"`
	ClinicID        string `json:"clinic_id"`
	SessionID       string `json:"session_id"`
	DeviceSessionID string `json:"dsid,omitempty"`
}

// TokenProvider issues and validates JWT access and refresh tokens using RS256 or ES256.
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenProvider returns a TokenProvider that signs with privateKey and validates with publicKey.
// refreshTTL is the default refresh lifetime; IssueRefresh may override it per session.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL, refreshTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (p *TokenProvider) registered(subject string, ttl time.Duration) (jwt.RegisteredClaims, error) {
	jti, err := generateJTI()
	if err != nil {
		return jwt.RegisteredClaims{}, err
	}
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		ID:        jti,
		Subject:   subject,
		Issuer:    p.issuer,
		Audience:  jwt.ClaimStrings{p.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}, nil
}

// IssueAccess issues a short-lived access JWT. Returns the token and its expiration time.
func (p *TokenProvider) IssueAccess(sub Subject) (token string, expiresAt time.Time, err error) {
	rc, err := p.registered(sub.AccountID, p.accessTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	token, err = p.sign(AccessClaims{
		RegisteredClaims: rc,
		Type:             typeAccess,
		ClinicID:         sub.ClinicID,
		SessionID:        sub.SessionID,
		DeviceSessionID:  sub.DeviceSessionID,
	})
	return token, rc.ExpiresAt.Time, err
}

// IssueRefresh issues a refresh JWT valid for ttl (the provider default when ttl <= 0).
// Returns the token, its jti for rotation binding, and expiration time.
func (p *TokenProvider) IssueRefresh(sub Subject, ttl time.Duration) (token, jti string, expiresAt time.Time, err error) {
	if ttl <= 0 {
		ttl = p.refreshTTL
	}
	rc, err := p.registered(sub.AccountID, ttl)
	if err != nil {
		return "", "", time.Time{}, err
	}
	token, err = p.sign(RefreshClaims{
		RegisteredClaims: rc,
		Type:             typeRefresh,
		ClinicID:         sub.ClinicID,
		SessionID:        sub.SessionID,
		DeviceSessionID:  sub.DeviceSessionID,
	})
	return token, rc.ID, rc.ExpiresAt.Time, err
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	return jwt.NewWithClaims(method, claims).SignedString(p.privateKey)
}

func (p *TokenProvider) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	}, jwt.WithIssuer(p.issuer))
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, p.audience) {
		return ErrInvalidToken
	}
	return nil
}

// ValidateRefresh parses and validates the refresh token (signature, exp, iss, aud).
// Returns the subject and the token's jti.
func (p *TokenProvider) ValidateRefresh(tokenString string) (Subject, string, error) {
	var c RefreshClaims
	if err := p.parse(tokenString, &c); err != nil {
		return Subject{}, "", err
	}
	if c.Type != typeRefresh {
		return Subject{}, "", ErrInvalidToken
	}
	return Subject{SessionID: c.SessionID, AccountID: c.Subject, ClinicID: c.ClinicID, DeviceSessionID: c.DeviceSessionID}, c.ID, nil
}

// ValidateAccess parses and validates the access token (signature, exp, iss, aud).
func (p *TokenProvider) ValidateAccess(tokenString string) (Subject, error) {
	var c AccessClaims
	if err := p.parse(tokenString, &c); err != nil {
		return Subject{}, err
	}
	if c.Type != typeAccess {
		return Subject{}, ErrInvalidToken
	}
	return Subject{SessionID: c.SessionID, AccountID: c.Subject, ClinicID: c.ClinicID, DeviceSessionID: c.DeviceSessionID}, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
