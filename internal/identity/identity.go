// ABOUTME: Current-user identity and bearer credential for the marketchat client
// ABOUTME: Loads a TOML credentials file, falling back to JWT claims for the user id

package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golang-jwt/jwt/v5"
)

// Identity errors
var (
	ErrNoCredentials = errors.New("no credentials configured")
	ErrNoUserID      = errors.New("user id not present in credentials or token claims")
)

// Provider exposes the local user's identity and bearer credential.
// The credential is opaque to this client; the backend is the verifier.
type Provider interface {
	UserID() string
	Email() string
	Token() string
}

// Static is a fixed identity, used by tests and command-line overrides.
type Static struct {
	ID          string
	EmailAddr   string
	BearerToken string
}

func (s Static) UserID() string { return s.ID }
func (s Static) Email() string  { return s.EmailAddr }
func (s Static) Token() string  { return s.BearerToken }

// credentialsFile is the TOML schema of the credentials file.
type credentialsFile struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
	Email  string `toml:"email"`
}

// Credentials is a file-backed identity provider.
type Credentials struct {
	token  string
	userID string
	email  string
}

func (c *Credentials) UserID() string { return c.userID }
func (c *Credentials) Email() string  { return c.email }
func (c *Credentials) Token() string  { return c.token }

// DefaultPath returns the XDG-style default credentials file location.
func DefaultPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "marketchat", "credentials.toml")
}

// Load reads the credentials file at path. When the file omits the user id
// or email, they are derived from the bearer token's JWT claims. The token
// signature is NOT verified here: the client never holds the signing secret,
// it only needs the identity the backend minted into the token.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var file credentialsFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}

	creds := &Credentials{
		token:  strings.TrimSpace(file.Token),
		userID: strings.TrimSpace(file.UserID),
		email:  strings.TrimSpace(file.Email),
	}
	if creds.token == "" {
		return nil, ErrNoCredentials
	}

	if creds.userID == "" || creds.email == "" {
		sub, email := claimsFromToken(creds.token)
		if creds.userID == "" {
			creds.userID = sub
		}
		if creds.email == "" {
			creds.email = email
		}
	}
	if creds.userID == "" {
		return nil, ErrNoUserID
	}

	return creds, nil
}

// claimsFromToken extracts the sub and email claims from a JWT without
// verifying its signature. Returns empty strings for anything missing or
// for tokens that are not JWTs at all.
func claimsFromToken(token string) (sub, email string) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", ""
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ""
	}

	sub, _ = claims["sub"].(string)
	email, _ = claims["email"].(string)
	return sub, email
}
