package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	accountdomain "atlasvet/backend/internal/account/domain"
	"atlasvet/backend/internal/attempts"
	"atlasvet/backend/internal/audit"
	clinicdomain "atlasvet/backend/internal/clinic/domain"
	"atlasvet/backend/internal/devicesession"
	devicedomain "atlasvet/backend/internal/devicesession/domain"
	intentdomain "atlasvet/backend/internal/loginintent/domain"
	"atlasvet/backend/internal/mfa"
	mfadomain "atlasvet/backend/internal/mfa/domain"
	"atlasvet/backend/internal/notify"
	"atlasvet/backend/internal/security"
	sessiondomain "atlasvet/backend/internal/session/domain"
	"atlasvet/backend/internal/telemetry"
)

const (
	maxEmailLen         = 255
	defaultIntentTTL    = 10 * time.Minute
	defaultRememberTTL  = 30 * 24 * time.Hour
	defaultTrustTTL     = 30 * 24 * time.Hour
	defaultDeviceCap    = 3
	asyncTimeout        = 5 * time.Second
	telemetrySource     = "login"
	auditResourceAuth   = "auth"
	auditResourceDevice = "device"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Status is the stage a login call ended in.
type Status string

const (
	StatusAuthenticated   Status = "authenticated"
	StatusMFARequired     Status = "mfa_required"
	StatusDeviceLimit     Status = "device_limit"
	StatusClinicSelection Status = "clinic_selection"
)

// Tokens is an issued session.
type Tokens struct {
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time // access token expiry
	SessionID       string
	AccountID       string
	ClinicID        string
	DeviceSessionID string
}

// LoginResult is the outcome of Login and every resume call. Exactly the fields for Status are set.
type LoginResult struct {
	Status        Status
	IntentID      string
	ChallengeID   string
	ActiveDevices []*devicedomain.DeviceSession
	Clinics       []*clinicdomain.Clinic
	Tokens        *Tokens
}

// LoginRequest is a password login. Device is optional; without a fingerprint no device row is kept.
type LoginRequest struct {
	Email          string
	Password       string
	ClinicID       string
	Device         devicedomain.Metadata
	RememberDevice bool
	RememberMe     bool
	// TrustedDevice is set when the client holds an unexpired trusted-device record for Device.Fingerprint.
	TrustedDevice bool
}

// AccountStore is the account persistence the service needs.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*accountdomain.Account, error)
	GetByEmail(ctx context.Context, email string) (*accountdomain.Account, error)
	Create(ctx context.Context, a *accountdomain.Account) error
}

// ClinicStore is the clinic persistence the service needs.
type ClinicStore interface {
	ListByAccount(ctx context.Context, accountID string) ([]*clinicdomain.Clinic, error)
	GetMembership(ctx context.Context, accountID, clinicID string) (*clinicdomain.Membership, error)
	Create(ctx context.Context, c *clinicdomain.Clinic) error
	AddMember(ctx context.Context, m *clinicdomain.Membership) error
}

// SessionStore is the session persistence the service needs.
type SessionStore interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	Create(ctx context.Context, s *sessiondomain.Session) error
	Revoke(ctx context.Context, id string) error
	RevokeAllByAccount(ctx context.Context, accountID string) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	UpdateRefreshToken(ctx context.Context, sessionID, jti, refreshTokenHash string) error
}

// IntentStore persists paused logins.
type IntentStore interface {
	Create(ctx context.Context, i *intentdomain.Intent) error
	GetByID(ctx context.Context, id string) (*intentdomain.Intent, error)
	Update(ctx context.Context, i *intentdomain.Intent) error
	Consume(ctx context.Context, id string) (*intentdomain.Intent, error)
}

// DevicePolicy is the device admission policy. Satisfied by *devicesession.Policy.
type DevicePolicy interface {
	CheckAdmission(ctx context.Context, accountID string, cap int) (devicesession.Admission, error)
	Counted(ctx context.Context, accountID, fingerprint string) (*devicedomain.DeviceSession, error)
	Trusted(ctx context.Context, accountID, fingerprint string) (bool, error)
	Record(ctx context.Context, accountID string, meta devicedomain.Metadata, trustedUntil *time.Time) (*devicedomain.DeviceSession, error)
	Touch(ctx context.Context, id string) error
	Revoke(ctx context.Context, accountID, id, actor string) error
}

// MFAGate issues and checks second factors. Satisfied by *mfa.Gate.
type MFAGate interface {
	Issue(ctx context.Context, accountID, email string) (*mfadomain.Challenge, error)
	Verify(ctx context.Context, challengeID, accountID, code string) (mfa.Result, error)
	VerifyBackupCode(ctx context.Context, accountID, code string) (bool, int, error)
	RegenerateBackupCodes(ctx context.Context, accountID string) ([]string, error)
}

// ElevatedAuthPolicy decides whether a login needs a second factor.
type ElevatedAuthPolicy interface {
	RequiresElevatedAuth(ctx context.Context, account *accountdomain.Account, clinics []*clinicdomain.Clinic) (bool, error)
}

// Deps are the collaborators of LoginService. Audit, Events and Notifier may be nil.
type Deps struct {
	Accounts AccountStore
	Clinics  ClinicStore
	Sessions SessionStore
	Intents  IntentStore
	Devices  DevicePolicy
	MFA      MFAGate
	Policy   ElevatedAuthPolicy
	Attempts attempts.Tracker
	Hasher   *security.Hasher
	Tokens   *security.TokenProvider
	Audit    audit.AuditLogger
	Events   telemetry.EventEmitter
	Notifier notify.Enqueuer
	Log      *zap.Logger
}

// Options are the tunables. Zero values take the defaults.
type Options struct {
	IntentTTL        time.Duration
	RememberTTL      time.Duration // refresh lifetime with remember-me
	TrustedDeviceTTL time.Duration // remember-device lifetime after MFA
	DefaultDeviceCap int
	PublicBaseURL    string
}

// LoginService runs the login admission flow: credentials, second factor, device cap, clinic, session.
type LoginService struct {
	Deps
	opts     Options
	now      func() time.Time
	outcomes metric.Int64Counter
}

// NewLoginService returns a LoginService.
func NewLoginService(deps Deps, opts Options) *LoginService {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = defaultIntentTTL
	}
	if opts.RememberTTL <= 0 {
		opts.RememberTTL = defaultRememberTTL
	}
	if opts.TrustedDeviceTTL <= 0 {
		opts.TrustedDeviceTTL = defaultTrustTTL
	}
	if opts.DefaultDeviceCap == 0 {
		opts.DefaultDeviceCap = defaultDeviceCap
	}
	counter, err := otel.Meter("atlasvet/backend/identity").Int64Counter("atlas.login.outcomes",
		metric.WithDescription("Login calls by resulting status or error class"))
	if err != nil {
		deps.Log.Warn("create login counter", zap.Error(err))
	}
	return &LoginService{
		Deps:     deps,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		outcomes: counter,
	}
}

// SetClock overrides the clock. Tests only.
func (s *LoginService) SetClock(now func() time.Time) { s.now = now }

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateCredentials(email, password string) error {
	if email == "" {
		return invalidInput("email is required")
	}
	if len(email) > maxEmailLen || !emailPattern.MatchString(email) {
		return invalidInput("enter a valid email address")
	}
	if password == "" {
		return invalidInput("password is required")
	}
	return nil
}

// VerifyCredentials checks email and password against the attempt tracker. It returns the account,
// ErrInvalidInput, ErrInvalidCredentials, or a *RetryError. Unknown, disabled and wrong-password
// logins are indistinguishable to the caller.
func (s *LoginService) VerifyCredentials(ctx context.Context, email, password string) (*accountdomain.Account, error) {
	email = NormalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}
	acct, err := s.Accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	key := email
	if acct != nil {
		key = acct.ID
	}
	st, err := s.Attempts.Check(ctx, key, attempts.ScopePassword)
	if err != nil {
		return nil, fmt.Errorf("check attempts: %w", err)
	}
	if st.Blocked() {
		return nil, retryError(st)
	}
	ok := false
	if acct == nil {
		s.Hasher.DummyCompare([]byte(password))
	} else if err := s.Hasher.Compare(acct.PasswordHash, []byte(password)); err == nil {
		ok = acct.Active()
	} else if !errors.Is(err, security.ErrPasswordMismatch) {
		s.Log.Error("compare password hash", zap.String("account_id", acct.ID), zap.Error(err))
	}
	if !ok {
		return nil, s.recordFailure(ctx, key, attempts.ScopePassword, ErrInvalidCredentials)
	}
	if err := s.Attempts.Reset(ctx, key, attempts.ScopePassword); err != nil {
		s.Log.Warn("reset password attempts", zap.String("account_id", acct.ID), zap.Error(err))
	}
	return acct, nil
}

// recordFailure counts a failure and returns a *RetryError if it tipped the key over a threshold, else fail.
func (s *LoginService) recordFailure(ctx context.Context, key string, scope attempts.Scope, fail error) error {
	st, err := s.Attempts.RecordFailure(ctx, key, scope)
	if err != nil {
		s.Log.Warn("record failed attempt", zap.String("scope", string(scope)), zap.Error(err))
		return fail
	}
	if st.Blocked() {
		return retryError(st)
	}
	return fail
}

func retryError(st attempts.Status) *RetryError {
	kind := ErrRateLimited
	if st.Locked {
		kind = ErrLocked
	}
	return &RetryError{Kind: kind, RetryAfter: st.RetryAfter}
}

// Login runs the flow from the password step. A second factor is requested only after the password
// was verified. The result is authenticated, or paused with an intent id to resume.
func (s *LoginService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	res, err := s.login(ctx, req)
	s.count(ctx, "login", res, err)
	return res, err
}

func (s *LoginService) login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	acct, err := s.VerifyCredentials(ctx, req.Email, req.Password)
	if err != nil {
		s.failed(ctx, "", NormalizeEmail(req.Email), err)
		return nil, err
	}
	clinics, err := s.Clinics.ListByAccount(ctx, acct.ID)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	if len(clinics) == 0 {
		return nil, ErrNoClinic
	}
	clinicID := strings.TrimSpace(req.ClinicID)
	if clinicID != "" && !hasClinic(clinics, clinicID) {
		return nil, ErrNotClinicMember
	}
	now := s.now()
	in := &intentdomain.Intent{
		ID:                uuid.New().String(),
		AccountID:         acct.ID,
		DeviceFingerprint: strings.TrimSpace(req.Device.Fingerprint),
		DeviceName:        req.Device.Name,
		DeviceIP:          req.Device.IP,
		DeviceUserAgent:   req.Device.UserAgent,
		RememberDevice:    req.RememberDevice,
		RememberMe:        req.RememberMe,
		ClinicID:          clinicID,
		ExpiresAt:         now.Add(s.opts.IntentTTL),
		CreatedAt:         now,
	}

	required, err := s.Policy.RequiresElevatedAuth(ctx, acct, clinics)
	if err != nil {
		return nil, fmt.Errorf("evaluate auth policy: %w", err)
	}
	if required {
		trusted := false
		if req.TrustedDevice && in.DeviceFingerprint != "" {
			if trusted, err = s.Devices.Trusted(ctx, acct.ID, in.DeviceFingerprint); err != nil {
				return nil, fmt.Errorf("check trusted device: %w", err)
			}
		}
		if !trusted {
			return s.challenge(ctx, acct, in)
		}
	}
	return s.advance(ctx, acct, in, false)
}

// challenge issues a code and pauses the login at the MFA stage.
func (s *LoginService) challenge(ctx context.Context, acct *accountdomain.Account, in *intentdomain.Intent) (*LoginResult, error) {
	c, err := s.MFA.Issue(ctx, acct.ID, acct.Email)
	if err != nil {
		if errors.Is(err, ErrDeliveryFailed) {
			s.Log.Error("deliver mfa code", zap.String("account_id", acct.ID), zap.Error(err))
			return nil, ErrDeliveryFailed
		}
		return nil, fmt.Errorf("issue mfa challenge: %w", err)
	}
	in.Stage = intentdomain.StageMFA
	in.ChallengeID = c.ID
	if err := s.Intents.Create(ctx, in); err != nil {
		return nil, fmt.Errorf("create login intent: %w", err)
	}
	s.auditEvent(ctx, in.ClinicID, acct.ID, audit.ActionMFAChallengeSent, auditResourceAuth, "")
	s.emit(in, telemetry.EventMFAChallengeSent, nil)
	return &LoginResult{Status: StatusMFARequired, IntentID: in.ID, ChallengeID: c.ID}, nil
}

// advance runs the stages after the second factor: device admission, clinic selection, issuance.
// stored reports whether the intent already exists in the store. Device admission is evaluated
// from scratch on every call.
func (s *LoginService) advance(ctx context.Context, acct *accountdomain.Account, in *intentdomain.Intent, stored bool) (*LoginResult, error) {
	if in.DeviceFingerprint != "" {
		counted, err := s.Devices.Counted(ctx, acct.ID, in.DeviceFingerprint)
		if err != nil {
			return nil, err
		}
		if counted == nil {
			adm, err := s.Devices.CheckAdmission(ctx, acct.ID, s.deviceCap(acct))
			if err != nil {
				return nil, err
			}
			if !adm.Admitted {
				if err := s.pause(ctx, in, intentdomain.StageDeviceLimit, stored); err != nil {
					return nil, err
				}
				s.auditEvent(ctx, in.ClinicID, acct.ID, audit.ActionDeviceLimitBlocked, auditResourceDevice,
					fmt.Sprintf(`{"active_devices":%d}`, len(adm.ActiveDevices)))
				s.emit(in, telemetry.EventDeviceLimitBlocked, map[string]int{"active_devices": len(adm.ActiveDevices)})
				return &LoginResult{Status: StatusDeviceLimit, IntentID: in.ID, ActiveDevices: adm.ActiveDevices}, nil
			}
		}
	}
	if in.ClinicID == "" {
		clinics, err := s.Clinics.ListByAccount(ctx, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("list clinics: %w", err)
		}
		switch len(clinics) {
		case 0:
			return nil, ErrNoClinic
		case 1:
			in.ClinicID = clinics[0].ID
		default:
			if err := s.pause(ctx, in, intentdomain.StageClinicSelection, stored); err != nil {
				return nil, err
			}
			return &LoginResult{Status: StatusClinicSelection, IntentID: in.ID, Clinics: clinics}, nil
		}
	}
	if stored {
		consumed, err := s.Intents.Consume(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("consume login intent: %w", err)
		}
		if consumed == nil {
			return nil, ErrIntentExpired
		}
	}
	tokens, err := s.issue(ctx, acct, in)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Status: StatusAuthenticated, Tokens: tokens}, nil
}

func (s *LoginService) pause(ctx context.Context, in *intentdomain.Intent, stage intentdomain.Stage, stored bool) error {
	in.Stage = stage
	if stored {
		if err := s.Intents.Update(ctx, in); err != nil {
			return fmt.Errorf("update login intent: %w", err)
		}
		return nil
	}
	if err := s.Intents.Create(ctx, in); err != nil {
		return fmt.Errorf("create login intent: %w", err)
	}
	return nil
}

func (s *LoginService) deviceCap(acct *accountdomain.Account) int {
	if acct.DeviceCap == 0 {
		return s.opts.DefaultDeviceCap
	}
	return acct.DeviceCap
}

// issue records the device and creates the session with its tokens.
func (s *LoginService) issue(ctx context.Context, acct *accountdomain.Account, in *intentdomain.Intent) (*Tokens, error) {
	now := s.now()
	meta := devicedomain.Metadata{Fingerprint: in.DeviceFingerprint, Name: in.DeviceName, IP: in.DeviceIP, UserAgent: in.DeviceUserAgent}
	var trustedUntil *time.Time
	if in.MFAPassed && in.RememberDevice {
		t := now.Add(s.opts.TrustedDeviceTTL)
		trustedUntil = &t
	}
	device, err := s.Devices.Record(ctx, acct.ID, meta, trustedUntil)
	if err != nil {
		return nil, err
	}
	sub := security.Subject{SessionID: uuid.New().String(), AccountID: acct.ID, ClinicID: in.ClinicID}
	if device != nil {
		sub.DeviceSessionID = device.ID
		if device.CreatedAt.Equal(device.LastActiveAt) {
			s.notifyNewDevice(acct, device, now)
		}
	}
	var refreshTTL time.Duration
	if in.RememberMe {
		refreshTTL = s.opts.RememberTTL
	}
	refresh, jti, refreshExp, err := s.Tokens.IssueRefresh(sub, refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	access, accessExp, err := s.Tokens.IssueAccess(sub)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}
	sess := &sessiondomain.Session{
		ID:               sub.SessionID,
		AccountID:        acct.ID,
		ClinicID:         in.ClinicID,
		DeviceSessionID:  sub.DeviceSessionID,
		ExpiresAt:        refreshExp,
		LastSeenAt:       &now,
		IPAddress:        in.DeviceIP,
		RefreshJti:       jti,
		RefreshTokenHash: security.HashSecret(refresh),
		CreatedAt:        now,
	}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.auditEvent(ctx, in.ClinicID, acct.ID, audit.ActionLoginSuccess, auditResourceAuth,
		fmt.Sprintf(`{"session_id":%q,"mfa":%t}`, sess.ID, in.MFAPassed))
	ev := telemetry.NewEvent(telemetry.EventLoginSuccess, telemetrySource, map[string]bool{"mfa": in.MFAPassed, "remember_me": in.RememberMe})
	ev.AccountID, ev.ClinicID, ev.SessionID, ev.DeviceSessionID, ev.IP = acct.ID, in.ClinicID, sess.ID, sub.DeviceSessionID, in.DeviceIP
	telemetry.EmitAsync(s.Log, s.Events, ev)
	return &Tokens{
		AccessToken:     access,
		RefreshToken:    refresh,
		ExpiresAt:       accessExp,
		SessionID:       sess.ID,
		AccountID:       acct.ID,
		ClinicID:        in.ClinicID,
		DeviceSessionID: sub.DeviceSessionID,
	}, nil
}

func (s *LoginService) notifyNewDevice(acct *accountdomain.Account, d *devicedomain.DeviceSession, at time.Time) {
	p := notify.NewDeviceLoginPayload{AccountID: acct.ID, Email: acct.Email, DeviceName: d.DeviceName, IP: d.IPAddress, At: at}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if err := s.Notifier.NewDeviceLogin(ctx, p); err != nil {
			s.Log.Warn("enqueue new device notice", zap.String("account_id", p.AccountID), zap.Error(err))
		}
	}()
}

func (s *LoginService) failed(ctx context.Context, accountID, email string, err error) {
	if errors.Is(err, ErrInvalidInput) {
		return
	}
	eventType := telemetry.EventLoginFailure
	var re *RetryError
	if errors.As(err, &re) {
		eventType = telemetry.EventLoginThrottled
	}
	s.auditEvent(ctx, "", accountID, audit.ActionLoginFailure, auditResourceAuth, fmt.Sprintf(`{"reason":%q}`, reason(err)))
	ev := telemetry.NewEvent(eventType, telemetrySource, map[string]string{"reason": reason(err), "email_domain": emailDomain(email)})
	ev.AccountID = accountID
	telemetry.EmitAsync(s.Log, s.Events, ev)
}

func (s *LoginService) auditEvent(ctx context.Context, clinicID, accountID, action, resource, metadata string) {
	if s.Audit == nil {
		return
	}
	s.Audit.LogEvent(ctx, clinicID, accountID, action, resource, metadata)
}

func (s *LoginService) emit(in *intentdomain.Intent, eventType string, meta any) {
	ev := telemetry.NewEvent(eventType, telemetrySource, meta)
	ev.AccountID, ev.ClinicID, ev.IP = in.AccountID, in.ClinicID, in.DeviceIP
	telemetry.EmitAsync(s.Log, s.Events, ev)
}

func (s *LoginService) count(ctx context.Context, op string, res *LoginResult, err error) {
	if s.outcomes == nil {
		return
	}
	outcome := "error"
	switch {
	case err == nil && res != nil:
		outcome = string(res.Status)
	case err != nil:
		outcome = reason(err)
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome)))
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrIntentExpired):
		return "intent_expired"
	case errors.Is(err, ErrDeliveryFailed):
		return "delivery_failed"
	default:
		return "internal"
	}
}

func emailDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}

func hasClinic(clinics []*clinicdomain.Clinic, id string) bool {
	for _, c := range clinics {
		if c.ID == id {
			return true
		}
	}
	return false
}
