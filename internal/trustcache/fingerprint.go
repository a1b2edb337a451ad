package trustcache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
)

// Fingerprint is a stable hash of this machine and user. It carries no secret; the server decides
// whether to honor it.
func Fingerprint() string {
	host, _ := os.Hostname()
	name := ""
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	return fingerprintOf(host, runtime.GOOS, runtime.GOARCH, name)
}

func fingerprintOf(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// DeviceName describes this client for the device list, e.g. "atlasctl on linux/amd64 (host)".
func DeviceName() string {
	host, _ := os.Hostname()
	return "atlasctl on " + runtime.GOOS + "/" + runtime.GOARCH + " (" + host + ")"
}

// DefaultPaths returns the vault path in the user config dir and the simple store path in the
// CLI state dir.
func DefaultPaths() (vault, simple string, err error) {
	cfg, err := os.UserConfigDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(cfg, "atlas", "vault.db"), filepath.Join(cfg, "atlasctl", "state.json"), nil
}
