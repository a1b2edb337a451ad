package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"atlasvet/backend/internal/apiclient"
	"atlasvet/backend/internal/trustcache"
)

const (
	sessionKey    = "atlas.session"
	defaultAPIURL = "http://localhost:8080"
	envAPIURL     = "ATLAS_API_URL"
	envStateDir   = "ATLASCTL_STATE_DIR"
)

// session is what the CLI keeps between runs.
type session struct {
	APIURL       string `json:"api_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    string `json:"account_id"`
	ClinicID     string `json:"clinic_id"`
}

// common holds options shared by every command.
type common struct {
	apiURL   string
	stateDir string
}

func (c *common) register(fs *flag.FlagSet) {
	api := os.Getenv(envAPIURL)
	if api == "" {
		api = defaultAPIURL
	}
	fs.StringVar(&c.apiURL, "api", api, "Atlas API base URL (env "+envAPIURL+")")
	fs.StringVar(&c.stateDir, "state-dir", os.Getenv(envStateDir), "Directory for the vault and state files (default: user config dir)")
}

func (c *common) paths() (vault, simple string, err error) {
	if c.stateDir != "" {
		return filepath.Join(c.stateDir, "vault.db"), filepath.Join(c.stateDir, "state.json"), nil
	}
	return trustcache.DefaultPaths()
}

// open returns the trust cache, the state file and a close func. A vault that cannot be opened is
// skipped so the simple store still works.
func (c *common) open() (*trustcache.Cache, *trustcache.FileStore, func(), error) {
	vaultPath, simplePath, err := c.paths()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve state paths: %w", err)
	}
	state := trustcache.NewFileStore(simplePath)
	vault, err := trustcache.OpenVault(vaultPath)
	if err != nil {
		return trustcache.New(nil, state, nil), state, func() {}, nil
	}
	return trustcache.New(vault, state, nil), state, func() { _ = vault.Close() }, nil
}

func loadSession(state *trustcache.FileStore) (*session, error) {
	var s session
	ok, err := state.Value(sessionKey, &s)
	if err != nil {
		return nil, err
	}
	if !ok || s.RefreshToken == "" {
		return nil, fmt.Errorf("not signed in; run 'atlasctl login'")
	}
	return &s, nil
}

// withAccess runs fn with a fresh access token, refreshing the stored session once.
func withAccess(ctx context.Context, state *trustcache.FileStore, fn func(client *apiclient.Client, access string) error) error {
	s, err := loadSession(state)
	if err != nil {
		return err
	}
	client := apiclient.New(s.APIURL)
	tokens, err := client.Refresh(ctx, s.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	s.AccessToken, s.RefreshToken = tokens.AccessToken, tokens.RefreshToken
	if err := state.Put(sessionKey, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return fn(client, s.AccessToken)
}
