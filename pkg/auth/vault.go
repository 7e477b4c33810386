package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	iterations = 100000
)

// EncryptedFileSource keeps account records in an AES-GCM encrypted file.
// The key is derived from the passphrase with pbkdf2.
type EncryptedFileSource struct {
	path       string
	passphrase string
	mu         sync.RWMutex
}

type vaultFile struct {
	Salt      string    `json:"salt"`
	Encrypted string    `json:"encrypted"`
	Version   int       `json:"version"`
	Modified  time.Time `json:"modified"`
}

// NewEncryptedFileSource opens (or prepares) the vault at path.
func NewEncryptedFileSource(path, passphrase string) (*EncryptedFileSource, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return &EncryptedFileSource{path: path, passphrase: passphrase}, nil
}

// Path returns the vault file.
func (e *EncryptedFileSource) Path() string { return e.path }

// List returns every record in the vault, sorted by username. A missing
// vault is empty.
func (e *EncryptedFileSource) List() ([]*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	records, _, err := e.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*Record{}, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Record, 0, len(records))
	for _, name := range names {
		r := records[name]
		out = append(out, &r)
	}
	return out, nil
}

// Store adds or replaces the records, keyed by username.
func (e *EncryptedFileSource) Store(records ...*Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, salt, err := e.load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if existing == nil {
		existing = map[string]Record{}
	}
	for _, r := range records {
		if r == nil || r.Username == "" {
			return ErrInvalidRecord
		}
		existing[r.Username] = *r
	}
	return e.save(existing, salt)
}

// Delete removes username from the vault. The file goes away with the last
// record.
func (e *EncryptedFileSource) Delete(username string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, salt, err := e.load()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrRecordNotFound
		}
		return err
	}
	if _, ok := existing[username]; !ok {
		return ErrRecordNotFound
	}
	delete(existing, username)

	if len(existing) == 0 {
		return os.Remove(e.path)
	}
	return e.save(existing, salt)
}

func (e *EncryptedFileSource) load() (map[string]Record, []byte, error) {
	content, err := os.ReadFile(e.path)
	if err != nil {
		return nil, nil, err
	}

	var file vaultFile
	if err := json.Unmarshal(content, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(file.Encrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode vault data: %w", err)
	}

	plain, err := decrypt(sealed, deriveKey(e.passphrase, salt))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt vault (wrong passphrase?): %w", err)
	}

	var records map[string]Record
	if err := json.Unmarshal(plain, &records); err != nil {
		return nil, nil, fmt.Errorf("failed to parse vault records: %w", err)
	}
	return records, salt, nil
}

func (e *EncryptedFileSource) save(records map[string]Record, salt []byte) error {
	if len(salt) == 0 {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	plain, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}
	sealed, err := encrypt(plain, deriveKey(e.passphrase, salt))
	if err != nil {
		return fmt.Errorf("failed to encrypt vault: %w", err)
	}

	content, err := json.MarshalIndent(vaultFile{
		Salt:      base64.StdEncoding.EncodeToString(salt),
		Encrypted: base64.StdEncoding.EncodeToString(sealed),
		Version:   1,
		Modified:  time.Now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal vault: %w", err)
	}

	tempFile := e.path + ".tmp"
	if err := os.WriteFile(tempFile, content, 0600); err != nil {
		return fmt.Errorf("failed to write vault: %w", err)
	}
	return os.Rename(tempFile, e.path)
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
}

// encrypt seals plaintext with AES-GCM, prefixing the nonce.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
