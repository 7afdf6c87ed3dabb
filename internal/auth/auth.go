// Package auth provides upstream feed authentication using HMAC-SHA256
// shared-secret signatures.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/rfeldman/ricmux/internal/feed"
)

// Credentials holds the feed user and shared secret for signing logins.
type Credentials struct {
	User   string // Feed user name
	Secret []byte // Shared secret for HMAC signing
}

// LoadCredentials loads credentials from a user name and secret file path.
func LoadCredentials(user, secretPath string) (*Credentials, error) {
	if user == "" {
		return nil, fmt.Errorf("feed user is required")
	}
	if secretPath == "" {
		return nil, fmt.Errorf("secret path is required")
	}

	secret, err := LoadSecret(secretPath)
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}

	return &Credentials{
		User:   user,
		Secret: secret,
	}, nil
}

// LoadSecret reads a shared secret from a file, trimming surrounding whitespace.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	secret := bytes.TrimSpace(data)
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret file is empty")
	}

	return secret, nil
}

// LoginParams generates the signed login payload for the feed.
// Message format: timestamp_us + user
func (c *Credentials) LoginParams(now time.Time) feed.LoginParams {
	ts := now.UnixMicro()
	return feed.LoginParams{
		User: c.User,
		TS:   ts,
		Sig:  c.sign(ts),
	}
}

// sign creates the HMAC-SHA256 signature for the given timestamp.
func (c *Credentials) sign(ts int64) string {
	mac := hmac.New(sha256.New, c.Secret)
	fmt.Fprintf(mac, "%d%s", ts, c.User)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether params carry a signature produced with these
// credentials.
func (c *Credentials) Verify(p feed.LoginParams) bool {
	if p.User != c.User {
		return false
	}
	return hmac.Equal([]byte(c.sign(p.TS)), []byte(p.Sig))
}
