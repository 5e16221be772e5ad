package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"kiro-load/internal/encryption"

	"github.com/sirupsen/logrus"
)

// Refresh endpoint templates by provider family.
const (
	socialRefreshURLTemplate = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	idcTokenURLTemplate      = "https://oidc.%s.amazonaws.com/token"
)

// defaultRefreshTimeout bounds the whole refresh HTTP exchange.
const defaultRefreshTimeout = 15 * time.Second

// Store holds the in-memory credential for one account and serializes
// refreshes and file writes behind a per-store mutex. One Store per account;
// concurrent requests for the same account coalesce behind one refresh.
type Store struct {
	mu            sync.Mutex
	cred          *Credential
	path          string
	defaultRegion string
	client        *http.Client
	encryptionSvc encryption.Service

	// socialRefreshURL and idcTokenURL override the production endpoints in
	// tests.
	socialRefreshURL string
	idcTokenURL      string
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithHTTPClient overrides the refresh HTTP client.
func WithHTTPClient(client *http.Client) StoreOption {
	return func(s *Store) { s.client = client }
}

// WithEncryption sets the at-rest encryption service for token fields.
func WithEncryption(svc encryption.Service) StoreOption {
	return func(s *Store) { s.encryptionSvc = svc }
}

// WithRefreshEndpoints overrides the provider endpoints. Test hook.
func WithRefreshEndpoints(social, idc string) StoreOption {
	return func(s *Store) {
		s.socialRefreshURL = social
		s.idcTokenURL = idc
	}
}

// Load reads and validates a credential file into a new Store.
func Load(path, defaultRegion string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:          path,
		defaultRegion: defaultRegion,
		client:        &http.Client{Timeout: defaultRefreshTimeout},
		encryptionSvc: mustNoopEncryption(),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("failed to parse credential file %s: %w", path, err)
	}

	if err := s.decryptTokens(&cred); err != nil {
		return nil, fmt.Errorf("failed to decrypt credential %s: %w", path, err)
	}

	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credential %s: %w", path, err)
	}

	s.cred = &cred
	return s, nil
}

// NewStore wraps an already-parsed credential, persisting to path. Used when
// an account is created through the admin surface.
func NewStore(cred *Credential, path, defaultRegion string, opts ...StoreOption) (*Store, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		cred:          cred,
		path:          path,
		defaultRegion: defaultRegion,
		client:        &http.Client{Timeout: defaultRefreshTimeout},
		encryptionSvc: mustNoopEncryption(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func mustNoopEncryption() encryption.Service {
	svc, _ := encryption.NewService("")
	return svc
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current credential.
func (s *Store) Snapshot() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cred
}

// AccessToken returns a valid access token, refreshing eagerly when the
// token is within the expiry skew. The refresh and the follow-up persistence
// run under the store lock so concurrent callers observe the new token.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cred.NeedsRefresh() {
		return s.cred.AccessToken, nil
	}
	if err := s.refreshLocked(ctx); err != nil {
		return "", err
	}
	return s.cred.AccessToken, nil
}

// ForceRefresh refreshes the token unconditionally. Used on upstream 401 and
// by the admin refresh/check operations.
func (s *Store) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshLocked(ctx)
}

// Save persists the current credential to its file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *Store) refreshLocked(ctx context.Context) error {
	var err error
	if s.cred.IsIdC() {
		err = s.refreshIdCLocked(ctx)
	} else {
		err = s.refreshSocialLocked(ctx)
	}
	if err != nil {
		return err
	}

	if err := s.persistLocked(); err != nil {
		logrus.WithError(err).WithField("path", s.path).Error("Failed to persist refreshed credential")
		return fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	return nil
}

// socialRefreshResponse is the Kiro desktop auth refresh response.
type socialRefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

func (s *Store) refreshSocialLocked(ctx context.Context) error {
	region := s.cred.RegionOrDefault(s.defaultRegion)
	refreshURL := s.socialRefreshURL
	if refreshURL == "" {
		refreshURL = fmt.Sprintf(socialRefreshURLTemplate, region)
	}

	body, err := json.Marshal(map[string]string{"refreshToken": s.cred.RefreshToken})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed socialRefreshResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("refresh response missing accessToken")
	}

	s.cred.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		s.cred.RefreshToken = parsed.RefreshToken
	}
	if parsed.ExpiresAt != "" {
		s.cred.ExpiresAt = parsed.ExpiresAt
	}

	logrus.WithField("path", s.path).Debug("Refreshed social access token")
	return nil
}

// idcTokenResponse is the AWS IdC OIDC token response.
type idcTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *Store) refreshIdCLocked(ctx context.Context) error {
	region := s.cred.RegionOrDefault(s.defaultRegion)
	tokenURL := s.idcTokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf(idcTokenURLTemplate, region)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", s.cred.ClientID)
	form.Set("client_secret", s.cred.ClientSecret)
	form.Set("refresh_token", s.cred.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed idcTokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	s.cred.AccessToken = parsed.AccessToken
	if parsed.RefreshToken != "" {
		s.cred.RefreshToken = parsed.RefreshToken
	}
	if parsed.ExpiresIn > 0 {
		s.cred.ExpiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	}

	logrus.WithField("path", s.path).Debug("Refreshed IdC access token")
	return nil
}

// persistLocked writes the credential atomically: temp file in the same
// directory, then rename.
func (s *Store) persistLocked() error {
	onDisk := *s.cred
	if err := s.encryptTokens(&onDisk); err != nil {
		return err
	}

	data, err := json.MarshalIndent(&onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Store) encryptTokens(c *Credential) error {
	var err error
	if c.AccessToken != "" {
		if c.AccessToken, err = s.encryptionSvc.Encrypt(c.AccessToken); err != nil {
			return fmt.Errorf("failed to encrypt access token: %w", err)
		}
	}
	if c.RefreshToken != "" {
		if c.RefreshToken, err = s.encryptionSvc.Encrypt(c.RefreshToken); err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return nil
}

func (s *Store) decryptTokens(c *Credential) error {
	if c.AccessToken != "" {
		if plain, err := s.encryptionSvc.Decrypt(c.AccessToken); err == nil {
			c.AccessToken = plain
		}
	}
	if c.RefreshToken != "" {
		if plain, err := s.encryptionSvc.Decrypt(c.RefreshToken); err == nil {
			c.RefreshToken = plain
		}
	}
	// Decrypt failures fall through with the raw value for backward
	// compatibility with plaintext files.
	return nil
}
