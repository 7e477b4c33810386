package auth

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	keyringService = "xscraper"
	keyringUser    = "vault-passphrase"

	// PassphraseEnv overrides every other passphrase source.
	PassphraseEnv = "XSCRAPER_PASSPHRASE"
)

// KeyringPassphrase stores the vault passphrase in the system keychain.
type KeyringPassphrase struct {
	Service string
	User    string
}

// NewKeyringPassphrase returns the default keychain entry.
func NewKeyringPassphrase() *KeyringPassphrase {
	return &KeyringPassphrase{Service: keyringService, User: keyringUser}
}

// Get returns the stored passphrase, or "" when none is stored.
func (k *KeyringPassphrase) Get() (string, error) {
	secret, err := keyring.Get(k.Service, k.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read keyring: %w", err)
	}
	return secret, nil
}

// Set stores passphrase.
func (k *KeyringPassphrase) Set(passphrase string) error {
	if passphrase == "" {
		return ErrPassphraseRequired
	}
	if err := keyring.Set(k.Service, k.User, passphrase); err != nil {
		return fmt.Errorf("failed to store in keyring: %w", err)
	}
	return nil
}

// Forget removes the stored passphrase. Forgetting nothing is not an error.
func (k *KeyringPassphrase) Forget() error {
	err := keyring.Delete(k.Service, k.User)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return nil
}

// PassphraseResolver finds the vault passphrase: environment first, then the
// keychain, then an interactive prompt when stdin is a terminal.
type PassphraseResolver struct {
	Keyring *KeyringPassphrase
	// Prompt reads a secret without echo. Nil disables prompting.
	Prompt func(label string) (string, error)
}

// NewPassphraseResolver wires the keychain and the terminal prompt.
func NewPassphraseResolver() *PassphraseResolver {
	return &PassphraseResolver{Keyring: NewKeyringPassphrase(), Prompt: PromptSecret}
}

// Resolve returns the first passphrase found.
func (p *PassphraseResolver) Resolve() (string, error) {
	if pass := strings.TrimSpace(os.Getenv(PassphraseEnv)); pass != "" {
		return pass, nil
	}
	if p.Keyring != nil {
		// An unavailable keychain falls through to the prompt.
		if pass, err := p.Keyring.Get(); err == nil && pass != "" {
			return pass, nil
		}
	}
	if p.Prompt != nil {
		pass, err := p.Prompt("Vault passphrase: ")
		if err != nil {
			return "", err
		}
		if pass = strings.TrimSpace(pass); pass != "" {
			return pass, nil
		}
	}
	return "", ErrPassphraseRequired
}

// PromptSecret reads a line from the terminal without echo.
func PromptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrSourceUnavailable
	}
	fmt.Fprint(os.Stderr, label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(secret), nil
}

// ConfigDir returns the per-user directory holding the vault, creating it.
func ConfigDir() (string, error) {
	var dir string
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, "Library", "Application Support", "xscraper")
	case "windows":
		dir = filepath.Join(os.Getenv("APPDATA"), "xscraper")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "xscraper")
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dir = filepath.Join(home, ".config", "xscraper")
		}
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// DefaultVaultPath is the vault location inside ConfigDir.
func DefaultVaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "accounts.enc"), nil
}
