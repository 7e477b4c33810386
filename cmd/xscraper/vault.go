package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"xscraper/pkg/auth"
	"xscraper/pkg/ui"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the encrypted account vault",
	Long: `The vault keeps account records encrypted with AES-GCM under a key
derived from a passphrase. The passphrase is read from XSCRAPER_PASSPHRASE,
the system keychain or an interactive prompt, in that order.`,
}

var vaultSetPassphraseCmd = &cobra.Command{
	Use:   "set-passphrase",
	Short: "Store a vault passphrase in the system keychain",
	Long: `Store a new vault passphrase in the system keychain. An existing vault
is re-encrypted under the new passphrase.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVaultSetPassphrase()
	},
}

var vaultForgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove the vault passphrase from the system keychain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.NewKeyringPassphrase().Forget(); err != nil {
			return fmt.Errorf("forget passphrase: %w", err)
		}
		ui.PrintSuccess("Vault passphrase removed from the keychain")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vaultCmd)
	vaultCmd.AddCommand(vaultSetPassphraseCmd, vaultForgetCmd)
}

func runVaultSetPassphrase() error {
	path, err := auth.DefaultVaultPath()
	if err != nil {
		return err
	}

	// records under the old passphrase, if a vault exists
	var existing []*auth.Record
	if _, err := os.Stat(path); err == nil {
		old, err := openVault(true)
		if err != nil {
			return fmt.Errorf("open existing vault: %w", err)
		}
		if existing, err = old.List(); err != nil {
			return fmt.Errorf("read existing vault: %w", err)
		}
	}

	pass, err := auth.PromptSecret("New passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := auth.PromptSecret("Repeat passphrase: ")
	if err != nil {
		return err
	}
	pass = strings.TrimSpace(pass)
	if pass == "" {
		return auth.ErrPassphraseRequired
	}
	if pass != strings.TrimSpace(confirm) {
		return errors.New("passphrases do not match")
	}

	if len(existing) > 0 {
		if err := reencryptVault(path, pass, existing); err != nil {
			return err
		}
		ui.PrintInfo("Re-encrypted", fmt.Sprintf("%d records", len(existing)))
	}

	if err := auth.NewKeyringPassphrase().Set(pass); err != nil {
		ui.PrintWarning("Keychain unavailable; export XSCRAPER_PASSPHRASE instead", err)
		return nil
	}
	ui.PrintSuccess("Vault passphrase stored in the keychain")
	return nil
}

// reencryptVault writes records under pass, keeping the old file until the
// new one is complete.
func reencryptVault(path, pass string, records []*auth.Record) error {
	tmp := path + ".rekey"
	_ = os.Remove(tmp)

	fresh, err := auth.NewEncryptedFileSource(tmp, pass)
	if err != nil {
		return err
	}
	if err := fresh.Store(records...); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("re-encrypt vault: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}
