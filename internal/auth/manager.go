package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const serviceName = "gdmirror"

// Manager owns the credential cache and turns stored credentials into
// token providers. The interactive consent flow lives outside gdmirror;
// tokens it produces are brought in with ImportToken.
type Manager struct {
	configDir      string
	storage        StorageBackend
	oauthConfig    *oauth2.Config
	storageWarning string
	logger         logging.Logger
}

// ManagerOptions configures the auth manager
type ManagerOptions struct {
	// UseKeyring prefers the system keyring when one is reachable
	UseKeyring bool
	// ForcePlainFile stores credentials unencrypted (development only)
	ForcePlainFile bool
	Logger         logging.Logger
}

func NewManager(configDir string, opts ManagerOptions) *Manager {
	mgr := &Manager{
		configDir: configDir,
		logger:    opts.Logger,
	}
	if mgr.logger == nil {
		mgr.logger = logging.NewNoOpLogger()
	}

	switch {
	case opts.ForcePlainFile:
		mgr.storage = NewPlainFileStorage(configDir)
		mgr.storageWarning = "Using unencrypted file storage. Credentials are stored in plain text."
	case opts.UseKeyring && keyringAvailable(serviceName):
		mgr.storage = NewKeyringStorage(serviceName)
	default:
		storage, err := NewEncryptedFileStorage(configDir)
		if err != nil {
			mgr.storage = NewPlainFileStorage(configDir)
			mgr.storageWarning = fmt.Sprintf("Encryption setup failed (%v). Using plain file storage.", err)
			break
		}
		mgr.storage = storage
		if opts.UseKeyring {
			mgr.storageWarning = "System keyring not available. Using encrypted file storage."
		}
	}
	return mgr
}

// StorageBackend returns the name of the backend in use
func (m *Manager) StorageBackend() string {
	return m.storage.Name()
}

// StorageWarning returns any warning about the storage backend
func (m *Manager) StorageWarning() string {
	return m.storageWarning
}

// LoadOAuthClient reads an OAuth client file as downloaded from the Google
// Cloud console
func (m *Manager) LoadOAuthClient(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidConfig,
			fmt.Sprintf("cannot read credentials file: %v", err)).
			WithContext("path", path).
			Build())
	}
	cfg, err := google.ConfigFromJSON(data, utils.ScopesMirror...)
	if err != nil {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid OAuth client file: %v", err)).
			WithContext("path", path).
			Build())
	}
	m.oauthConfig = cfg
	return nil
}

// SetOAuthConfig installs an OAuth client directly
func (m *Manager) SetOAuthConfig(cfg *oauth2.Config) {
	m.oauthConfig = cfg
}

func (m *Manager) LoadCredentials(profile string) (*types.Credentials, error) {
	data, err := m.storage.Load(profile)
	if err != nil {
		return nil, err
	}

	var stored types.StoredCredentials
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	creds := &types.Credentials{
		AccessToken:         stored.AccessToken,
		RefreshToken:        stored.RefreshToken,
		Scopes:              stored.Scopes,
		Type:                stored.Type,
		ServiceAccountEmail: stored.ServiceAccountEmail,
	}
	if stored.ExpiryDate != "" {
		expiry, err := time.Parse(time.RFC3339, stored.ExpiryDate)
		if err != nil {
			return nil, fmt.Errorf("invalid expiry date: %w", err)
		}
		creds.ExpiryDate = expiry
	}
	return creds, nil
}

func (m *Manager) SaveCredentials(profile string, creds *types.Credentials) error {
	stored := types.StoredCredentials{
		Profile:             profile,
		AccessToken:         creds.AccessToken,
		RefreshToken:        creds.RefreshToken,
		Scopes:              creds.Scopes,
		Type:                creds.Type,
		ServiceAccountEmail: creds.ServiceAccountEmail,
	}
	if !creds.ExpiryDate.IsZero() {
		stored.ExpiryDate = creds.ExpiryDate.Format(time.RFC3339)
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return m.storage.Save(profile, data)
}

func (m *Manager) DeleteCredentials(profile string) error {
	return m.storage.Delete(profile)
}

// ImportToken stores an OAuth token file (access_token, refresh_token,
// expiry) under profile
func (m *Manager) ImportToken(profile, path string) (*types.Credentials, error) {
	tok, err := readTokenFile(path)
	if err != nil {
		return nil, err
	}
	creds := &types.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiryDate:   tok.Expiry,
		Scopes:       utils.ScopesMirror,
		Type:         types.AuthTypeOAuth,
	}
	if err := m.SaveCredentials(profile, creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func readTokenFile(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("cannot read token file: %v", err)).Build())
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid token file: %v", err)).Build())
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			"token file holds neither an access token nor a refresh token").Build())
	}
	return &tok, nil
}

// Sources lists where a credential may come from, in precedence order
type Sources struct {
	// StaticToken is a bare access token, typically from GDMIRROR_ACCESS_TOKEN
	StaticToken string
	// CredentialsFile is an OAuth client file or a service account key
	CredentialsFile string
	// Impersonate is the subject for a service account key
	Impersonate string
	// TokenFile is read when the profile has nothing stored
	TokenFile string
}

// TokenProvider resolves a credential for profile
func (m *Manager) TokenProvider(ctx context.Context, profile string, src Sources) (*TokenProvider, error) {
	if src.StaticToken != "" {
		return NewStaticTokenProvider(src.StaticToken), nil
	}

	if src.CredentialsFile != "" {
		data, err := os.ReadFile(src.CredentialsFile)
		if err != nil {
			return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidConfig,
				fmt.Sprintf("cannot read credentials file: %v", err)).Build())
		}
		if isServiceAccountKey(data) {
			return serviceAccountProvider(data, utils.ScopesMirror, src.Impersonate, m.logger)
		}
		if err := m.LoadOAuthClient(src.CredentialsFile); err != nil {
			return nil, err
		}
	}

	creds, err := m.LoadCredentials(profile)
	switch {
	case err == nil:
		return m.storedProvider(profile, creds), nil
	case !errors.Is(err, ErrNoCredentials):
		return nil, err
	}

	if src.TokenFile == "" {
		return nil, authRequired()
	}
	tok, err := readTokenFile(src.TokenFile)
	if err != nil {
		return nil, err
	}
	persist := func(t *oauth2.Token) error { return writeTokenFile(src.TokenFile, t) }
	return newTokenProvider("token-file", tok, m.renewer(), persist, m.logger), nil
}

func (m *Manager) storedProvider(profile string, creds *types.Credentials) *TokenProvider {
	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.ExpiryDate,
		TokenType:    "Bearer",
	}
	persist := func(t *oauth2.Token) error {
		return m.SaveCredentials(profile, &types.Credentials{
			AccessToken:  t.AccessToken,
			RefreshToken: t.RefreshToken,
			ExpiryDate:   t.Expiry,
			Scopes:       creds.Scopes,
			Type:         creds.Type,
		})
	}
	return newTokenProvider(m.storage.Name()+":"+profile, tok, m.renewer(), persist, m.logger)
}

// renewer is nil without an OAuth client, leaving the token static
func (m *Manager) renewer() renewFunc {
	if m.oauthConfig == nil {
		m.logger.Debug("No OAuth client configured; stored token will not be renewed")
		return nil
	}
	return oauthRenew(m.oauthConfig)
}

func writeTokenFile(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
