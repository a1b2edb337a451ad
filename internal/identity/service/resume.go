package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	accountdomain "atlasvet/backend/internal/account/domain"
	"atlasvet/backend/internal/attempts"
	"atlasvet/backend/internal/audit"
	"atlasvet/backend/internal/devicesession"
	intentdomain "atlasvet/backend/internal/loginintent/domain"
	"atlasvet/backend/internal/mfa"
	"atlasvet/backend/internal/notify"
	"atlasvet/backend/internal/telemetry"
)

// VerifyOTP completes the MFA stage of a paused login with the emailed code.
// Invalid and expired codes both return ErrInvalidCode.
func (s *LoginService) VerifyOTP(ctx context.Context, intentID, code string) (*LoginResult, error) {
	res, err := s.verifyOTP(ctx, intentID, code)
	s.count(ctx, "verify_otp", res, err)
	return res, err
}

func (s *LoginService) verifyOTP(ctx context.Context, intentID, code string) (*LoginResult, error) {
	code = strings.TrimSpace(code)
	if !mfa.ValidOTPFormat(code) {
		return nil, invalidInput("enter the 6-digit code")
	}
	in, acct, err := s.loadIntent(ctx, intentID, intentdomain.StageMFA)
	if err != nil {
		return nil, err
	}
	if err := s.checkOTPAttempts(ctx, acct.ID); err != nil {
		return nil, err
	}
	result, err := s.MFA.Verify(ctx, in.ChallengeID, acct.ID, code)
	if err != nil {
		return nil, fmt.Errorf("verify otp: %w", err)
	}
	if result != mfa.Valid {
		s.emit(in, telemetry.EventMFAFailed, map[string]string{"result": result.String()})
		return nil, s.recordFailure(ctx, acct.ID, attempts.ScopeOTP, ErrInvalidCode)
	}
	return s.passMFA(ctx, acct, in, "otp")
}

// VerifyBackupCode completes the MFA stage with a single-use backup code and queues a notice to the account holder.
func (s *LoginService) VerifyBackupCode(ctx context.Context, intentID, code string) (*LoginResult, error) {
	res, err := s.verifyBackupCode(ctx, intentID, code)
	s.count(ctx, "verify_backup_code", res, err)
	return res, err
}

func (s *LoginService) verifyBackupCode(ctx context.Context, intentID, code string) (*LoginResult, error) {
	if mfa.NormalizeBackupCode(code) == "" {
		return nil, invalidInput("backup code is required")
	}
	in, acct, err := s.loadIntent(ctx, intentID, intentdomain.StageMFA)
	if err != nil {
		return nil, err
	}
	if err := s.checkOTPAttempts(ctx, acct.ID); err != nil {
		return nil, err
	}
	ok, remaining, err := s.MFA.VerifyBackupCode(ctx, acct.ID, code)
	if err != nil {
		return nil, fmt.Errorf("verify backup code: %w", err)
	}
	if !ok {
		s.emit(in, telemetry.EventMFAFailed, map[string]string{"result": "backup_code_rejected"})
		return nil, s.recordFailure(ctx, acct.ID, attempts.ScopeOTP, ErrInvalidCode)
	}
	s.auditEvent(ctx, in.ClinicID, acct.ID, audit.ActionBackupCodeUsed, "mfa", fmt.Sprintf(`{"remaining":%d}`, remaining))
	s.emit(in, telemetry.EventBackupCodeUsed, map[string]int{"remaining": remaining})
	p := notify.BackupCodeUsedPayload{AccountID: acct.ID, Email: acct.Email, Remaining: remaining}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := s.Notifier.BackupCodeUsed(ctx, p); err != nil {
			s.Log.Warn("enqueue backup code notice", zap.String("account_id", p.AccountID), zap.Error(err))
		}
	}()
	return s.passMFA(ctx, acct, in, "backup_code")
}

func (s *LoginService) checkOTPAttempts(ctx context.Context, accountID string) error {
	st, err := s.Attempts.Check(ctx, accountID, attempts.ScopeOTP)
	if err != nil {
		return fmt.Errorf("check attempts: %w", err)
	}
	if st.Blocked() {
		return retryError(st)
	}
	return nil
}

func (s *LoginService) passMFA(ctx context.Context, acct *accountdomain.Account, in *intentdomain.Intent, method string) (*LoginResult, error) {
	if err := s.Attempts.Reset(ctx, acct.ID, attempts.ScopeOTP); err != nil {
		s.Log.Warn("reset otp attempts", zap.String("account_id", acct.ID), zap.Error(err))
	}
	in.MFAPassed = true
	in.ChallengeID = ""
	s.auditEvent(ctx, in.ClinicID, acct.ID, audit.ActionMFAVerified, auditResourceAuth, fmt.Sprintf(`{"method":%q}`, method))
	s.emit(in, telemetry.EventMFAVerified, map[string]string{"method": method})
	return s.advance(ctx, acct, in, true)
}

// ResumeLogin re-evaluates a login paused at the device limit, typically after the user revoked a device.
func (s *LoginService) ResumeLogin(ctx context.Context, intentID string) (*LoginResult, error) {
	in, acct, err := s.loadIntent(ctx, intentID, intentdomain.StageDeviceLimit)
	if err != nil {
		s.count(ctx, "resume", nil, err)
		return nil, err
	}
	res, err := s.advance(ctx, acct, in, true)
	s.count(ctx, "resume", res, err)
	return res, err
}

// RevokeForLogin revokes one of the account's devices on behalf of a login paused at the device limit.
// The intent authorizes the call; it stays paused until ResumeLogin.
func (s *LoginService) RevokeForLogin(ctx context.Context, intentID, deviceSessionID string) error {
	in, acct, err := s.loadIntent(ctx, intentID, intentdomain.StageDeviceLimit)
	if err != nil {
		return err
	}
	if err := s.Devices.Revoke(ctx, acct.ID, deviceSessionID, acct.ID); err != nil {
		if errors.Is(err, devicesession.ErrDeviceNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}
	s.auditEvent(ctx, in.ClinicID, acct.ID, audit.ActionDeviceRevoked, auditResourceDevice,
		fmt.Sprintf(`{"device_session_id":%q,"during_login":true}`, deviceSessionID))
	s.emit(in, telemetry.EventDeviceRevoked, map[string]string{"device_session_id": deviceSessionID})
	return nil
}

// SelectClinic completes a login paused for clinic selection. clinicID must be one of the account's memberships.
func (s *LoginService) SelectClinic(ctx context.Context, intentID, clinicID string) (*LoginResult, error) {
	res, err := s.selectClinic(ctx, intentID, clinicID)
	s.count(ctx, "select_clinic", res, err)
	return res, err
}

func (s *LoginService) selectClinic(ctx context.Context, intentID, clinicID string) (*LoginResult, error) {
	clinicID = strings.TrimSpace(clinicID)
	if clinicID == "" {
		return nil, invalidInput("clinic_id is required")
	}
	in, acct, err := s.loadIntent(ctx, intentID, intentdomain.StageClinicSelection)
	if err != nil {
		return nil, err
	}
	m, err := s.Clinics.GetMembership(ctx, acct.ID, clinicID)
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	if m == nil {
		return nil, ErrNotClinicMember
	}
	in.ClinicID = clinicID
	s.auditEvent(ctx, clinicID, acct.ID, audit.ActionClinicSelected, "clinic", "")
	return s.advance(ctx, acct, in, true)
}

// loadIntent returns the paused login and its account. A missing, expired, or differently staged
// intent, or a disabled account, is ErrIntentExpired.
func (s *LoginService) loadIntent(ctx context.Context, intentID string, stage intentdomain.Stage) (*intentdomain.Intent, *accountdomain.Account, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return nil, nil, invalidInput("intent_id is required")
	}
	in, err := s.Intents.GetByID(ctx, intentID)
	if err != nil {
		return nil, nil, fmt.Errorf("get login intent: %w", err)
	}
	if in == nil || in.Expired(s.now()) || in.Stage != stage {
		return nil, nil, ErrIntentExpired
	}
	acct, err := s.Accounts.GetByID(ctx, in.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("get account: %w", err)
	}
	if !acct.Active() {
		return nil, nil, ErrIntentExpired
	}
	return in, acct, nil
}
