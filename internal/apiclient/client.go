// Package apiclient is a small client for the Atlas login and device API, used by atlasctl.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Login statuses returned by the server.
const (
	StatusAuthenticated   = "authenticated"
	StatusMFARequired     = "mfa_required"
	StatusDeviceLimit     = "device_limit"
	StatusClinicSelection = "clinic_selection"
)

// APIError is a non-2xx response with the server's error body.
type APIError struct {
	StatusCode        int
	Code              string `json:"error"`
	Message           string `json:"message"`
	RetryAfterMinutes int    `json:"retry_after_minutes"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.RetryAfterMinutes > 0 {
		return fmt.Sprintf("%s (try again in %d min)", msg, e.RetryAfterMinutes)
	}
	return msg
}

// Device describes the calling client.
type Device struct {
	Fingerprint string `json:"fingerprint"`
	Name        string `json:"name"`
	Trusted     bool   `json:"trusted"`
}

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	ClinicID       string `json:"clinic_id,omitempty"`
	Device         Device `json:"device"`
	RememberDevice bool   `json:"remember_device"`
	RememberMe     bool   `json:"remember_me"`
}

// DeviceView is one entry of a device list.
type DeviceView struct {
	ID           string    `json:"id"`
	DeviceName   string    `json:"device_name"`
	Kind         string    `json:"kind"`
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	IPAddress    string    `json:"ip_address"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Current      bool      `json:"current"`
	Trusted      bool      `json:"trusted"`
}

// Clinic is a selectable clinic.
type Clinic struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tokens is an issued session.
type Tokens struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	ExpiresAt       time.Time `json:"expires_at"`
	SessionID       string    `json:"session_id"`
	AccountID       string    `json:"account_id"`
	ClinicID        string    `json:"clinic_id"`
	DeviceSessionID string    `json:"device_session_id"`
}

// LoginResult is any login step response. Tokens is set when Status is authenticated.
type LoginResult struct {
	Status        string       `json:"status"`
	IntentID      string       `json:"intent_id"`
	ChallengeID   string       `json:"challenge_id"`
	ActiveDevices []DeviceView `json:"active_devices"`
	Clinics       []Clinic     `json:"clinics"`
	Tokens
}

// Client calls the API at BaseURL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client for baseURL.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: &http.Client{Timeout: defaultTimeout}}
}

// Login starts a login.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", "", req, &out, http.StatusConflict)
	return &out, err
}

// VerifyOTP submits the emailed code for an intent.
func (c *Client) VerifyOTP(ctx context.Context, intentID, code string) (*LoginResult, error) {
	return c.step(ctx, "/v1/auth/login/otp", map[string]string{"intent_id": intentID, "code": code})
}

// VerifyBackupCode submits a backup code for an intent.
func (c *Client) VerifyBackupCode(ctx context.Context, intentID, code string) (*LoginResult, error) {
	return c.step(ctx, "/v1/auth/login/backup-code", map[string]string{"intent_id": intentID, "code": code})
}

// Resume retries device admission for an intent paused at the device limit.
func (c *Client) Resume(ctx context.Context, intentID string) (*LoginResult, error) {
	return c.step(ctx, "/v1/auth/login/resume", map[string]string{"intent_id": intentID})
}

// SelectClinic completes a login paused at clinic selection.
func (c *Client) SelectClinic(ctx context.Context, intentID, clinicID string) (*LoginResult, error) {
	return c.step(ctx, "/v1/auth/login/clinic", map[string]string{"intent_id": intentID, "clinic_id": clinicID})
}

// RevokeForLogin revokes one of the account's devices while a login is paused at the device limit.
func (c *Client) RevokeForLogin(ctx context.Context, intentID, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/login/devices/"+deviceID+"/revoke", "", map[string]string{"intent_id": intentID}, nil)
}

// Refresh rotates the refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	var out Tokens
	if err := c.do(ctx, http.MethodPost, "/v1/auth/refresh", "", map[string]string{"refresh_token": refreshToken}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logout ends the session of refreshToken.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/v1/auth/logout", "", map[string]string{"refresh_token": refreshToken}, nil)
}

// Devices lists the caller's devices.
func (c *Client) Devices(ctx context.Context, accessToken string) ([]DeviceView, error) {
	var out struct {
		Devices []DeviceView `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/devices", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// RevokeDevice revokes one of the caller's devices.
func (c *Client) RevokeDevice(ctx context.Context, accessToken, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/v1/devices/"+deviceID+"/revoke", accessToken, nil, nil)
}

func (c *Client) step(ctx context.Context, path string, body any) (*LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodPost, path, "", body, &out, http.StatusConflict)
	return &out, err
}

// do sends a JSON request. Responses with a status in accept decode into out like a 2xx.
func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any, accept ...int) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("apiclient: read response: %w", err)
	}
	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	for _, s := range accept {
		if resp.StatusCode == s {
			ok = true
		}
	}
	if !ok {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("apiclient: decode response: %w", err)
		}
	}
	return nil
}
