package instagram

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hbomb79/Relay/pkg/logger"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	sessionFileVersion = 1
	sessionSaltLen     = 16
	sessionNonceLen    = 24
	sessionKeyLen      = 32

	loginPath     = "/api/v1/web/accounts/login/ajax/"
	twoFactorPath = "/accounts/login/ajax/two_factor/"
)

var (
	ErrBadCredentials     = errors.New("instagram rejected the login credentials")
	ErrCheckpointRequired = errors.New("instagram requires a checkpoint challenge for this account")
	ErrSessionUnreadable  = errors.New("instagram session file could not be opened")
)

type (
	// CodeAwaiter blocks until an out-of-band verification code is supplied
	// for the login session named.
	CodeAwaiter interface {
		Await(ctx context.Context, session string) (string, error)
	}

	SessionConfig struct {
		Username    string
		Password    string
		SessionFile string
	}

	// Session is the authenticated state of one Instagram login. It is owned
	// by the extractor using it; concurrent EnsureLogin calls are serialized,
	// so only one login (and therefore one hand-off) runs at a time.
	Session struct {
		client  *Client
		config  SessionConfig
		awaiter CodeAwaiter

		mu       sync.Mutex
		loggedIn bool
	}

	loginResponse struct {
		Authenticated     bool   `mapstructure:"authenticated"`
		Status            string `mapstructure:"status"`
		Message           string `mapstructure:"message"`
		TwoFactorRequired bool   `mapstructure:"two_factor_required"`
		CheckpointURL     string `mapstructure:"checkpoint_url"`
		TwoFactorInfo     struct {
			Identifier string `mapstructure:"two_factor_identifier"`
		} `mapstructure:"two_factor_info"`
	}

	sealedSession struct {
		Version int    `json:"version"`
		Salt    []byte `json:"salt"`
		Nonce   []byte `json:"nonce"`
		Box     []byte `json:"box"`
	}

	sessionData struct {
		Username string         `json:"username"`
		Cookies  []storedCookie `json:"cookies"`
		SavedAt  time.Time      `json:"saved_at"`
	}
)

func NewSession(client *Client, config SessionConfig, awaiter CodeAwaiter) *Session {
	return &Session{client: client, config: config, awaiter: awaiter}
}

// Anonymous reports whether the session has no credentials, in which case
// only public content can be fetched.
func (s *Session) Anonymous() bool {
	return s.config.Username == ""
}

func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// EnsureLogin makes sure the session is authenticated. The persisted session
// file is tried first; if that fails a password login is performed, pausing
// on the CodeAwaiter if Instagram requests two-factor verification. Every
// successful login is persisted.
func (s *Session) EnsureLogin(ctx context.Context) error {
	if s.Anonymous() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		return nil
	}

	err := s.load()
	if err == nil {
		log.Emit(logger.SUCCESS, "Restored Instagram session for %s from %s\n", s.config.Username, s.config.SessionFile)
		s.loggedIn = true
		return nil
	}
	log.Emit(logger.DEBUG, "Unable to restore Instagram session: %v\n", err)

	if err := s.login(ctx); err != nil {
		return err
	}

	s.loggedIn = true
	if err := s.save(); err != nil {
		log.Emit(logger.WARNING, "Failed to persist Instagram session: %v\n", err)
	}

	return nil
}

// Invalidate marks the session as logged out, forcing the next
// EnsureLogin to authenticate again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn {
		log.Emit(logger.WARNING, "Instagram session for %s invalidated\n", s.config.Username)
	}
	s.loggedIn = false
	if s.config.SessionFile != "" {
		_ = os.Remove(s.config.SessionFile)
	}
}

func (s *Session) login(ctx context.Context) error {
	// The landing page issues the CSRF cookie required by the login endpoint
	page, err := s.client.getPage(ctx, s.client.webEndpoint("/"))
	if err != nil {
		return fmt.Errorf("failed to prepare instagram login: %w", err)
	}
	_, _ = io.Copy(io.Discard, page)
	page.Close()

	form := url.Values{
		"username":      {s.config.Username},
		"enc_password":  {fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", time.Now().Unix(), s.config.Password)},
		"queryParams":   {"{}"},
		"optIntoOneTap": {"false"},
	}

	resp, err := s.post(ctx, loginPath, form)
	if err != nil {
		return err
	}

	switch {
	case resp.Authenticated:
		log.Emit(logger.SUCCESS, "Logged in to Instagram as %s\n", s.config.Username)
		return nil
	case resp.TwoFactorRequired:
		return s.twoFactorLogin(ctx, resp.TwoFactorInfo.Identifier)
	case resp.CheckpointURL != "":
		return ErrCheckpointRequired
	}

	return fmt.Errorf("%w: %s", ErrBadCredentials, resp.Message)
}

func (s *Session) twoFactorLogin(ctx context.Context, identifier string) error {
	log.Emit(logger.INFO, "Instagram requested two-factor verification for %s\n", s.config.Username)
	if s.awaiter == nil {
		return errors.New("instagram two-factor verification required but no code source is configured")
	}

	code, err := s.awaiter.Await(ctx, s.config.Username)
	if err != nil {
		return fmt.Errorf("two-factor code was not supplied: %w", err)
	}

	resp, err := s.post(ctx, twoFactorPath, url.Values{
		"username":         {s.config.Username},
		"verificationCode": {code},
		"identifier":       {identifier},
		"queryParams":      {"{}"},
	})
	if err != nil {
		return err
	}
	if !resp.Authenticated {
		return fmt.Errorf("%w: two-factor verification failed: %s", ErrBadCredentials, resp.Message)
	}

	log.Emit(logger.SUCCESS, "Completed two-factor login to Instagram as %s\n", s.config.Username)
	return nil
}

func (s *Session) post(ctx context.Context, path string, form url.Values) (*loginResponse, error) {
	payload, status, err := s.client.call(ctx, http.MethodPost, s.client.webEndpoint(path), form)
	if err != nil {
		return nil, fmt.Errorf("instagram login request failed: %w", err)
	}

	var resp loginResponse
	if err := mapstructure.WeakDecode(payload, &resp); err != nil {
		return nil, fmt.Errorf("unexpected instagram login response: %w", err)
	}
	if status >= 500 {
		return nil, &StatusError{status, path}
	}

	return &resp, nil
}

// save seals the session cookies with a key derived from the account
// password, and atomically replaces the session file.
func (s *Session) save() error {
	if s.config.SessionFile == "" {
		return nil
	}

	plain, err := json.Marshal(sessionData{Username: s.config.Username, Cookies: s.client.exportCookies(), SavedAt: time.Now()})
	if err != nil {
		return err
	}

	sealed := sealedSession{Version: sessionFileVersion, Salt: make([]byte, sessionSaltLen), Nonce: make([]byte, sessionNonceLen)}
	if _, err := rand.Read(sealed.Salt); err != nil {
		return err
	}
	if _, err := rand.Read(sealed.Nonce); err != nil {
		return err
	}

	key := s.deriveKey(sealed.Salt)
	nonce := [sessionNonceLen]byte(sealed.Nonce)
	sealed.Box = secretbox.Seal(nil, plain, &nonce, &key)

	out, err := json.Marshal(sealed)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.config.SessionFile), 0o700); err != nil {
		return err
	}

	tmp := s.config.SessionFile + ".tmp." + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, s.config.SessionFile)
}

func (s *Session) load() error {
	if s.config.SessionFile == "" {
		return fmt.Errorf("%w: no session file configured", ErrSessionUnreadable)
	}

	raw, err := os.ReadFile(s.config.SessionFile)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionUnreadable, err)
	}

	var sealed sealedSession
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionUnreadable, err)
	}
	if sealed.Version != sessionFileVersion || len(sealed.Nonce) != sessionNonceLen {
		return fmt.Errorf("%w: unsupported session file version %d", ErrSessionUnreadable, sealed.Version)
	}

	key := s.deriveKey(sealed.Salt)
	nonce := [sessionNonceLen]byte(sealed.Nonce)
	plain, ok := secretbox.Open(nil, sealed.Box, &nonce, &key)
	if !ok {
		return fmt.Errorf("%w: session file could not be decrypted", ErrSessionUnreadable)
	}

	var data sessionData
	if err := json.Unmarshal(plain, &data); err != nil {
		return fmt.Errorf("%w: %w", ErrSessionUnreadable, err)
	}
	if data.Username != s.config.Username {
		return fmt.Errorf("%w: session belongs to %q", ErrSessionUnreadable, data.Username)
	}

	s.client.importCookies(data.Cookies)
	return nil
}

func (s *Session) deriveKey(salt []byte) [sessionKeyLen]byte {
	return [sessionKeyLen]byte(argon2.IDKey([]byte(s.config.Password), salt, 1, 64*1024, 4, sessionKeyLen))
}
