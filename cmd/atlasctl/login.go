package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"atlasvet/backend/internal/apiclient"
	"atlasvet/backend/internal/trustcache"
)

const maxSteps = 8

func runLogin(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	email := fs.String("email", "", "Account email")
	clinic := fs.String("clinic", "", "Clinic id to sign in to")
	rememberDevice := fs.Bool("remember-device", false, "Skip the emailed code on this machine for 30 days")
	rememberMe := fs.Bool("remember-me", false, "Keep the session for 30 days")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	in := bufio.NewReader(stdin)
	if *email == "" {
		*email = prompt(in, stdout, "Email: ")
	}
	password := os.Getenv("ATLAS_PASSWORD")
	if password == "" {
		password = prompt(in, stdout, "Password: ")
	}

	cache, state, closeFn, err := c.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	fingerprint := trustcache.Fingerprint()
	client := apiclient.New(c.apiURL)
	res, err := client.Login(ctx, apiclient.LoginRequest{
		Email:    *email,
		Password: password,
		ClinicID: *clinic,
		Device: apiclient.Device{
			Fingerprint: fingerprint,
			Name:        trustcache.DeviceName(),
			Trusted:     cache.IsTrusted(ctx, fingerprint),
		},
		RememberDevice: *rememberDevice,
		RememberMe:     *rememberMe,
	})
	mfaPassed := false
	for step := 0; err == nil && res.Status != apiclient.StatusAuthenticated; step++ {
		if step >= maxSteps {
			err = errors.New("login did not complete")
			break
		}
		switch res.Status {
		case apiclient.StatusMFARequired:
			code := prompt(in, stdout, "Enter the 6-digit code sent to your email (or a backup code): ")
			if len(code) == 6 && isDigits(code) {
				res, err = client.VerifyOTP(ctx, res.IntentID, code)
			} else {
				res, err = client.VerifyBackupCode(ctx, res.IntentID, code)
			}
			mfaPassed = err == nil
		case apiclient.StatusDeviceLimit:
			res, err = resolveDeviceLimit(ctx, client, res, in, stdout)
		case apiclient.StatusClinicSelection:
			res, err = chooseClinic(ctx, client, res, in, stdout)
		default:
			err = fmt.Errorf("unexpected login status %q", res.Status)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	s := session{
		APIURL:       c.apiURL,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		AccountID:    res.AccountID,
		ClinicID:     res.ClinicID,
	}
	if err := state.Put(sessionKey, s); err != nil {
		fmt.Fprintf(stderr, "Error: save session: %v\n", err)
		return 1
	}
	if *rememberDevice && mfaPassed {
		if err := cache.Store(ctx, fingerprint); err != nil {
			fmt.Fprintf(stderr, "Warning: could not remember this device: %v\n", err)
		}
	}
	fmt.Fprintf(stdout, "Signed in to clinic %s.\n", res.ClinicID)
	return 0
}

func resolveDeviceLimit(ctx context.Context, client *apiclient.Client, res *apiclient.LoginResult, in *bufio.Reader, out io.Writer) (*apiclient.LoginResult, error) {
	fmt.Fprintln(out, "You are signed in on too many devices. Choose one to sign out:")
	for i, d := range res.ActiveDevices {
		fmt.Fprintf(out, "  %d) %s (last active %s)\n", i+1, d.DeviceName, d.LastActiveAt.Local().Format(time.RFC822))
	}
	n, err := choose(prompt(in, out, "Device number: "), len(res.ActiveDevices))
	if err != nil {
		return nil, err
	}
	if err := client.RevokeForLogin(ctx, res.IntentID, res.ActiveDevices[n].ID); err != nil {
		return nil, err
	}
	return client.Resume(ctx, res.IntentID)
}

func chooseClinic(ctx context.Context, client *apiclient.Client, res *apiclient.LoginResult, in *bufio.Reader, out io.Writer) (*apiclient.LoginResult, error) {
	fmt.Fprintln(out, "Choose a clinic:")
	for i, c := range res.Clinics {
		fmt.Fprintf(out, "  %d) %s\n", i+1, c.Name)
	}
	n, err := choose(prompt(in, out, "Clinic number: "), len(res.Clinics))
	if err != nil {
		return nil, err
	}
	return client.SelectClinic(ctx, res.IntentID, res.Clinics[n].ID)
}

func prompt(in *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprint(out, label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

// choose parses a 1-based menu answer into an index.
func choose(answer string, n int) (int, error) {
	i, err := strconv.Atoi(answer)
	if err != nil || i < 1 || i > n {
		return 0, fmt.Errorf("invalid choice %q", answer)
	}
	return i - 1, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func runLogout(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_, state, closeFn, err := c.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeFn()
	s, err := loadSession(state)
	if err != nil {
		fmt.Fprintln(stdout, "Not signed in.")
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiclient.New(s.APIURL).Logout(ctx, s.RefreshToken); err != nil {
		fmt.Fprintf(stderr, "Warning: server logout failed: %v\n", err)
	}
	if err := state.Remove(sessionKey); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Signed out.")
	return 0
}
