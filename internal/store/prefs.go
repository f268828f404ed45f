package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fexe-co/softphone/internal/models"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrSealedPassword is returned when a stored password cannot be opened with the configured key
var ErrSealedPassword = errors.New("stored password cannot be decrypted")

// prefsFile is the on-disk layout of the preference file
type prefsFile struct {
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	SealedPassword string `json:"sealed_password,omitempty"`
}

// FileStore persists the last-used login pair in a JSON file.
// When a key is set the password is sealed with XChaCha20-Poly1305.
type FileStore struct {
	path string
	key  []byte
	mu   sync.Mutex
}

// NewFileStore creates a preference file store. secret may be empty.
func NewFileStore(path, secret string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if secret != "" {
		key, err := deriveKey(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to derive preference key: %w", err)
		}
		fs.key = key
	}
	return fs, nil
}

// Load reads the saved preferences; a missing file yields empty preferences
func (s *FileStore) Load(ctx context.Context) (models.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Preferences{}, nil
		}
		return models.Preferences{}, fmt.Errorf("failed to read preferences: %w", err)
	}

	var f prefsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return models.Preferences{}, fmt.Errorf("failed to parse preferences: %w", err)
	}

	prefs := models.Preferences{Username: f.Username, Password: f.Password}
	if f.SealedPassword != "" {
		if s.key == nil {
			return models.Preferences{Username: f.Username}, ErrSealedPassword
		}
		plain, err := open(s.key, f.SealedPassword)
		if err != nil {
			return models.Preferences{Username: f.Username}, ErrSealedPassword
		}
		prefs.Password = plain
	}
	return prefs, nil
}

// Save writes the preferences with 0600 permissions
func (s *FileStore) Save(ctx context.Context, prefs models.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := prefsFile{Username: prefs.Username}
	if s.key != nil {
		sealed, err := seal(s.key, prefs.Password)
		if err != nil {
			return fmt.Errorf("failed to seal password: %w", err)
		}
		f.SealedPassword = sealed
	} else {
		f.Password = prefs.Password
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create preference dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// deriveKey derives a 32-byte key from the configured secret using HKDF-SHA256
func deriveKey(secret string) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte("softphone-prefs"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

func seal(key []byte, plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(key []byte, sealed string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(blob) < aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
