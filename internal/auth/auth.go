// Package auth maps opaque API keys to caller identities.
package auth

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// HeaderName carries the API key on every request.
const HeaderName = "X-Api-Key"

// keyLength is the length of generated API keys.
const keyLength = 32

const keyChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Keyring is a read-only mapping from API key to display user, built once
// at process start. Keys are case-sensitive opaque strings.
type Keyring struct {
	users map[string]string
}

type keyringFile struct {
	Keys map[string]string `toml:"keys"`
}

// LoadKeyring reads the keyring TOML file. A missing file yields an empty
// keyring (every request will be rejected) rather than an error, so a fresh
// install can start before setup has run.
func LoadKeyring(path string) (*Keyring, error) {
	kr := &Keyring{users: map[string]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kr, nil
		}
		return nil, fmt.Errorf("reading keyring: %w", err)
	}
	var f keyringFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing keyring: %w", err)
	}
	if f.Keys != nil {
		kr.users = f.Keys
	}
	return kr, nil
}

// NewKeyring builds a keyring directly from a key -> user map. Used by tests
// and by the setup command.
func NewKeyring(keys map[string]string) *Keyring {
	users := make(map[string]string, len(keys))
	for k, u := range keys {
		users[k] = u
	}
	return &Keyring{users: users}
}

// Authenticate resolves a credential to a display user by exact match.
func (kr *Keyring) Authenticate(credential string) (string, bool) {
	user, ok := kr.users[credential]
	return user, ok
}

// FromRequest extracts the credential header, which may be absent.
func (kr *Keyring) FromRequest(r *http.Request) (string, bool) {
	return kr.Authenticate(r.Header.Get(HeaderName))
}

// Len reports the number of provisioned keys.
func (kr *Keyring) Len() int {
	return len(kr.users)
}

// Keys returns a copy of the key -> user mapping.
func (kr *Keyring) Keys() map[string]string {
	out := make(map[string]string, len(kr.users))
	for k, u := range kr.users {
		out[k] = u
	}
	return out
}

// GenerateKey produces a random alphanumeric API key.
func GenerateKey() (string, error) {
	buf := make([]byte, keyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	for i, b := range buf {
		buf[i] = keyChars[int(b)%len(keyChars)]
	}
	return string(buf), nil
}

// SaveKeyring writes the key -> user mapping as a keyring TOML file.
func SaveKeyring(path string, keys map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating keyring dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("writing keyring: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(keyringFile{Keys: keys}); err != nil {
		return fmt.Errorf("encoding keyring: %w", err)
	}
	return nil
}
