// Package auth provides user authentication and session management on
// top of the persistent store.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"grimm.is/mimosa/internal/clock"
	"grimm.is/mimosa/internal/config"
	"grimm.is/mimosa/internal/logging"
	"grimm.is/mimosa/internal/store"
)

// Role defines user permission levels.
type Role string

const (
	RoleAdmin  Role = "admin"  // full access, user management
	RoleViewer Role = "viewer" // read-only dashboard access
)

// ErrInvalidCredentials is returned for any login failure. Username and
// password failures are indistinguishable on purpose.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidSession is returned for missing, expired or revoked tokens.
var ErrInvalidSession = errors.New("invalid session")

// User is an authenticated principal.
type User struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Session is an active login.
type Session struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manager validates credentials and sessions against the store. Static
// API keys from the config file are accepted as an alternative to a
// session, for automation clients.
type Manager struct {
	store      *store.Store
	clock      clock.Clock
	sessionTTL time.Duration
	apiKeys    []config.APIKey
	log        *logging.Logger
}

// NewManager builds an auth manager. sessionTTL zero means 24 hours.
func NewManager(s *store.Store, clk clock.Clock, sessionTTL time.Duration, apiKeys []config.APIKey) *Manager {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Manager{
		store:      s,
		clock:      clk,
		sessionTTL: sessionTTL,
		apiKeys:    apiKeys,
		log:        logging.WithComponent("auth"),
	}
}

// EnsureAdmin creates the first admin account when no users exist.
// An empty password means one is generated; the returned string is the
// plaintext password when an account was created, empty otherwise.
func (m *Manager) EnsureAdmin(password string) (string, error) {
	n, err := m.store.CountUsers()
	if err != nil {
		return "", err
	}
	if n > 0 {
		return "", nil
	}

	generated := false
	if password == "" {
		raw := make([]byte, 12)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		password = hex.EncodeToString(raw)
		generated = true
	}

	if err := m.CreateUser("admin", password, RoleAdmin); err != nil {
		return "", err
	}
	m.log.Info("bootstrapped initial admin user", "username", "admin", "generated_password", generated)
	if generated {
		return password, nil
	}
	return "", nil
}

// CreateUser adds a user. Existing usernames are overwritten only via
// UpdatePassword, never here.
func (m *Manager) CreateUser(username, password string, role Role) error {
	if username == "" || password == "" {
		return errors.New("username and password required")
	}
	if _, err := m.store.GetUser(username); err == nil {
		return errors.New("user already exists")
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	return m.store.PutUser(&store.UserRow{
		Username:  username,
		Hash:      string(hash),
		Role:      string(role),
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// UpdatePassword replaces a user's password hash.
func (m *Manager) UpdatePassword(username, password string) error {
	if password == "" {
		return errors.New("password required")
	}
	row, err := m.store.GetUser(username)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	row.Hash = string(hash)
	row.UpdatedAt = m.clock.Now()
	return m.store.PutUser(row)
}

// Authenticate validates credentials and opens a session.
func (m *Manager) Authenticate(username, password string) (*Session, error) {
	row, err := m.store.GetUser(username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so missing users cost the same as
		// wrong passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, ErrInvalidCredentials
	} else if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.Hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	now := m.clock.Now()
	sess := &store.SessionRow{
		Token:     hex.EncodeToString(raw),
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(m.sessionTTL),
	}
	if err := m.store.PutSession(sess); err != nil {
		return nil, err
	}

	logging.Audit("login", username, nil)
	return &Session{Token: sess.Token, Username: sess.Username, ExpiresAt: sess.ExpiresAt}, nil
}

// ValidateSession resolves a token to its user. Expired sessions are
// deleted on sight.
func (m *Manager) ValidateSession(token string) (*User, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	sess, err := m.store.GetSession(token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	} else if err != nil {
		return nil, err
	}

	if !sess.ExpiresAt.After(m.clock.Now()) {
		m.store.DeleteSession(token)
		return nil, ErrInvalidSession
	}

	row, err := m.store.GetUser(sess.Username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	} else if err != nil {
		return nil, err
	}
	return &User{Username: row.Username, Role: Role(row.Role)}, nil
}

// ValidateAPIKey checks a static key from the config file. API key
// clients act as admin.
func (m *Manager) ValidateAPIKey(key string) (*User, bool) {
	if key == "" {
		return nil, false
	}
	for _, k := range m.apiKeys {
		if !k.Enabled {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
			return &User{Username: "key:" + k.Name, Role: RoleAdmin}, true
		}
	}
	return nil, false
}

// Logout revokes a session. Unknown tokens are a no-op.
func (m *Manager) Logout(token string) error {
	err := m.store.DeleteSession(token)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// PurgeExpired drops expired session rows. Called periodically by the
// server loop.
func (m *Manager) PurgeExpired() {
	n, err := m.store.PurgeExpiredSessions()
	if err != nil {
		m.log.Warn("failed to purge sessions", "error", err)
		return
	}
	if n > 0 {
		m.log.Debug("purged expired sessions", "count", n)
	}
}
