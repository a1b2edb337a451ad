package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	accountdomain "atlasvet/backend/internal/account/domain"
	"atlasvet/backend/internal/audit"
	clinicdomain "atlasvet/backend/internal/clinic/domain"
	"atlasvet/backend/internal/devicesession"
	"atlasvet/backend/internal/security"
	"atlasvet/backend/internal/server/middleware"
	"atlasvet/backend/internal/telemetry"
)

// Refresh rotates the refresh token of a live session and issues a new access token. The session keeps
// its original expiry. Presenting a rotated-out token revokes every session of the account.
func (s *LoginService) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}
	sub, jti, err := s.Tokens.ValidateRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	sess, err := s.Sessions.GetByID(ctx, sub.SessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	now := s.now()
	if !sess.Valid(now) || sess.AccountID != sub.AccountID {
		return nil, ErrInvalidRefreshToken
	}
	if sess.RefreshJti != jti {
		if err := s.Sessions.RevokeAllByAccount(ctx, sess.AccountID); err != nil {
			s.Log.Error("revoke sessions after refresh reuse", zap.String("account_id", sess.AccountID), zap.Error(err))
		}
		s.auditEvent(ctx, sess.ClinicID, sess.AccountID, audit.ActionLogout, "session", `{"reason":"refresh_token_reuse"}`)
		ev := telemetry.NewEvent(telemetry.EventTokenReuse, telemetrySource, nil)
		ev.AccountID, ev.ClinicID, ev.SessionID = sess.AccountID, sess.ClinicID, sess.ID
		telemetry.EmitAsync(s.Log, s.Events, ev)
		return nil, ErrRefreshTokenReuse
	}
	if sess.RefreshTokenHash != "" && !security.SecretEqual(refreshToken, sess.RefreshTokenHash) {
		return nil, ErrInvalidRefreshToken
	}
	if err := s.Devices.Touch(ctx, sess.DeviceSessionID); err != nil {
		if errors.Is(err, devicesession.ErrDeviceRevoked) {
			if err := s.Sessions.Revoke(ctx, sess.ID); err != nil {
				s.Log.Error("revoke session of revoked device", zap.String("session_id", sess.ID), zap.Error(err))
			}
			return nil, ErrInvalidRefreshToken
		}
		s.Log.Warn("touch device session", zap.String("device_session_id", sess.DeviceSessionID), zap.Error(err))
	}
	if err := s.Sessions.UpdateLastSeen(ctx, sess.ID, now); err != nil {
		s.Log.Warn("update session last seen", zap.String("session_id", sess.ID), zap.Error(err))
	}
	sub = security.Subject{SessionID: sess.ID, AccountID: sess.AccountID, ClinicID: sess.ClinicID, DeviceSessionID: sess.DeviceSessionID}
	newRefresh, newJti, _, err := s.Tokens.IssueRefresh(sub, sess.ExpiresAt.Sub(now))
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	if err := s.Sessions.UpdateRefreshToken(ctx, sess.ID, newJti, security.HashSecret(newRefresh)); err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	access, accessExp, err := s.Tokens.IssueAccess(sub)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	ev := telemetry.NewEvent(telemetry.EventTokenRefreshed, telemetrySource, nil)
	ev.AccountID, ev.ClinicID, ev.SessionID, ev.DeviceSessionID = sess.AccountID, sess.ClinicID, sess.ID, sess.DeviceSessionID
	telemetry.EmitAsync(s.Log, s.Events, ev)
	return &Tokens{
		AccessToken:     access,
		RefreshToken:    newRefresh,
		ExpiresAt:       accessExp,
		SessionID:       sess.ID,
		AccountID:       sess.AccountID,
		ClinicID:        sess.ClinicID,
		DeviceSessionID: sess.DeviceSessionID,
	}, nil
}

// Logout revokes the session named by refreshToken, or, when it is empty, the session of the bearer
// identity in ctx. An unusable token or anonymous caller is a no-op.
func (s *LoginService) Logout(ctx context.Context, refreshToken string) error {
	var sessionID, accountID, clinicID string
	if refreshToken != "" {
		sub, _, err := s.Tokens.ValidateRefresh(refreshToken)
		if err != nil {
			return nil
		}
		sessionID, accountID, clinicID = sub.SessionID, sub.AccountID, sub.ClinicID
	} else if id, ok := middleware.IdentityFrom(ctx); ok {
		sessionID, accountID, clinicID = id.SessionID, id.AccountID, id.ClinicID
	}
	if sessionID == "" {
		return nil
	}
	if err := s.Sessions.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.auditEvent(ctx, clinicID, accountID, audit.ActionLogout, "session", "")
	ev := telemetry.NewEvent(telemetry.EventLogout, telemetrySource, nil)
	ev.AccountID, ev.ClinicID, ev.SessionID = accountID, clinicID, sessionID
	telemetry.EmitAsync(s.Log, s.Events, ev)
	return nil
}

// RegisterRequest creates an account. A non-empty ClinicName also creates that clinic with the account as owner.
type RegisterRequest struct {
	Email      string
	Password   string
	Name       string
	ClinicName string
}

// Register creates an account with a local password. The caller signs in with Login afterwards.
func (s *LoginService) Register(ctx context.Context, req RegisterRequest) (*accountdomain.Account, error) {
	email := NormalizeEmail(req.Email)
	if err := validateCredentials(email, req.Password); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, invalidInput(err.Error())
	}
	existing, err := s.Accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	hashed, err := s.Hasher.Hash([]byte(req.Password))
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	acct := &accountdomain.Account{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hashed,
		DeviceCap:    s.opts.DefaultDeviceCap,
		Status:       accountdomain.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := acct.Validate(); err != nil {
		return nil, invalidInput(err.Error())
	}
	if err := s.Accounts.Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	clinicID := ""
	if name := strings.TrimSpace(req.ClinicName); name != "" {
		c := &clinicdomain.Clinic{ID: uuid.New().String(), Name: name, Status: clinicdomain.StatusActive, CreatedAt: now}
		if err := s.Clinics.Create(ctx, c); err != nil {
			return nil, fmt.Errorf("create clinic: %w", err)
		}
		m := &clinicdomain.Membership{ID: uuid.New().String(), AccountID: acct.ID, ClinicID: c.ID, Role: clinicdomain.RoleOwner, CreatedAt: now}
		if err := s.Clinics.AddMember(ctx, m); err != nil {
			return nil, fmt.Errorf("add clinic owner: %w", err)
		}
		clinicID = c.ID
	}
	s.auditEvent(ctx, clinicID, acct.ID, audit.ActionRegister, "account", "")
	return acct, nil
}

// RegenerateBackupCodes replaces the account's backup codes. The plain codes are returned once and never stored.
func (s *LoginService) RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error) {
	if accountID == "" {
		return nil, invalidInput("account is required")
	}
	codes, err := s.MFA.RegenerateBackupCodes(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("regenerate backup codes: %w", err)
	}
	return codes, nil
}

// ErrUnknownProvider is returned by CallbackURL for providers without a configured redirect.
var ErrUnknownProvider = errors.New("unknown oauth provider")

var oauthProviders = map[string]bool{"google": true}

// CallbackURL is the OAuth redirect URL registered with provider.
func (s *LoginService) CallbackURL(provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !oauthProviders[provider] {
		return "", ErrUnknownProvider
	}
	return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/v1/auth/oauth/" + provider + "/callback", nil
}

func validatePassword(password string) error {
	if len(password) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		return errors.New("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.New("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return errors.New("password must contain at least one number")
	}
	if !hasSymbol {
		return errors.New("password must contain at least one symbol")
	}
	return nil
}
