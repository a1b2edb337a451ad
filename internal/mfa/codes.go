// Package mfa issues and verifies emailed one-time codes and single-use backup codes.
package mfa

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	otpDigits = 6
	// BackupCodeCount is how many backup codes a regeneration produces.
	BackupCodeCount = 10
	backupCodeLen   = 10
	// No 0/O, 1/I/L so codes read back unambiguously.
	backupAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// GenerateOTP returns a 6-digit numeric code (e.g. "042917") using crypto/rand.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	s := n.String()
	return strings.Repeat("0", otpDigits-len(s)) + s, nil
}

// GenerateBackupCodes returns n codes formatted XXXXX-XXXXX.
func GenerateBackupCodes(n int) ([]string, error) {
	out := make([]string, 0, n)
	max := big.NewInt(int64(len(backupAlphabet)))
	for i := 0; i < n; i++ {
		var b strings.Builder
		for j := 0; j < backupCodeLen; j++ {
			if j == backupCodeLen/2 {
				b.WriteByte('-')
			}
			k, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, err
			}
			b.WriteByte(backupAlphabet[k.Int64()])
		}
		out = append(out, b.String())
	}
	return out, nil
}

// NormalizeBackupCode upper-cases and strips separators so "abcde-fghjk" and "ABCDEFGHJK" match.
func NormalizeBackupCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if r == '-' || r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ValidOTPFormat reports whether code is exactly six ASCII digits.
func ValidOTPFormat(code string) bool {
	if len(code) != otpDigits {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
