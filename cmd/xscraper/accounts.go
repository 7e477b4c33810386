package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"xscraper/pkg/auth"
	"xscraper/pkg/config"
	"xscraper/pkg/models"
	"xscraper/pkg/storage"
	"xscraper/pkg/ui"
	"xscraper/pkg/xapi"
)

var (
	importEncrypted bool
	importStrategy  string
	addProxy        string
	addEncrypted    bool
	diagnoseSamples int
	diagnoseJSON    bool
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account pool",
	Long: `Manage the accounts searches lease from.

Accounts live in the state database. Each needs an auth_token cookie; the
ct0 csrf cookie is fetched automatically when missing. Run
'xscraper accounts guide' to see how to copy them from a browser.`,
}

var accountsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import accounts from a JSON, YAML or text file",
	Long: `Import accounts into the pool.

Supported files:
  - JSON or YAML: a list of accounts, {"accounts": [...]}, a single account
    or a bare cookie map
  - text: one account per line as
    username:password:email:email_password:2fa:auth_token[<TAB>proxy]

Accounts that already hold usable material keep it. Accounts whose material
cannot be completed are stored as unusable with the reason.`,
	Example: `  xscraper accounts import accounts.txt
  xscraper accounts import cookies.json --encrypted`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccountsImport(cmd.Context(), args[0])
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add one account, prompting for its cookies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccountsAdd(cmd.Context(), args[0])
	},
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pooled accounts with masked credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccountsList(cmd.Context())
	},
}

var accountsDiagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Explain why accounts cannot be leased",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAccountsDiagnose(cmd.Context())
	},
}

var accountsGuideCmd = &cobra.Command{
	Use:   "guide",
	Short: "Show how to copy account cookies from a browser",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		auth.WriteTokenGuide(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsImportCmd, accountsAddCmd, accountsListCmd, accountsDiagnoseCmd, accountsGuideCmd)

	accountsImportCmd.Flags().BoolVar(&importEncrypted, "encrypted", false, "also keep the records in the encrypted vault for later repairs")
	accountsImportCmd.Flags().StringVar(&importStrategy, "strategy", config.RepairAuto, "how missing material is completed: auto, token_only, credentials_only, none")

	accountsAddCmd.Flags().StringVar(&addProxy, "proxy", "", "proxy URL for this account")
	accountsAddCmd.Flags().BoolVar(&addEncrypted, "encrypted", false, "also keep the record in the encrypted vault")

	accountsDiagnoseCmd.Flags().IntVar(&diagnoseSamples, "samples", 5, "blocked accounts to describe")
	accountsDiagnoseCmd.Flags().BoolVar(&diagnoseJSON, "json", false, "print the report as JSON")
}

func runAccountsImport(ctx context.Context, path string) error {
	records, err := auth.NewFileSource(path).List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		ui.PrintWarning("No accounts found in " + path)
		return nil
	}
	return importRecords(ctx, records, importStrategy, importEncrypted)
}

func runAccountsAdd(ctx context.Context, username string) error {
	token, err := auth.PromptSecret("auth_token: ")
	if err != nil {
		return err
	}
	csrf, err := auth.PromptSecret("ct0 (optional): ")
	if err != nil {
		return err
	}

	rec := &auth.Record{
		Username:  strings.TrimSpace(username),
		AuthToken: strings.TrimSpace(token),
		CSRF:      strings.TrimSpace(csrf),
		Proxy:     strings.TrimSpace(addProxy),
	}
	if rec.AuthToken == "" {
		return fmt.Errorf("auth_token is required: %w", auth.ErrInvalidRecord)
	}
	return importRecords(ctx, []*auth.Record{rec}, config.RepairAuto, addEncrypted)
}

// importRecords upserts records into the pool and optionally the vault
func importRecords(ctx context.Context, records []*auth.Record, strategy string, encrypted bool) error {
	cfg, log, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if encrypted {
		vault, err := openVault(true)
		if err != nil {
			return err
		}
		if err := vault.Store(records...); err != nil {
			return fmt.Errorf("store in vault: %w", err)
		}
		ui.PrintInfo("Vault", vault.Path())
	}

	importer := &auth.Importer{
		Store:    store.Accounts(accountsSettings(cfg)),
		Tokens:   xapi.NewTokenBootstrap(log),
		Strategy: strategy,
		Logger:   log,
	}
	stats, err := importer.Import(ctx, records)
	if err != nil {
		return err
	}

	printImportStats(os.Stdout, stats)
	return nil
}

func printImportStats(w io.Writer, stats auth.ImportStats) {
	fmt.Fprintf(w, "%s %d processed, %d already usable, %d bootstrapped, %d unusable, %d skipped\n",
		ui.Green("✓"), stats.Processed, stats.Reused, stats.Bootstrapped, stats.Unusable, stats.Skipped)
	if stats.Unusable > 0 {
		fmt.Fprintln(w, ui.Yellow("Unusable accounts stay in the pool; run 'xscraper accounts list' to see why."))
	}
}

// openVault resolves the passphrase and opens the default vault. Prompting
// is allowed for interactive commands only.
func openVault(prompt bool) (*auth.EncryptedFileSource, error) {
	resolver := auth.NewPassphraseResolver()
	if !prompt {
		resolver.Prompt = nil
	}
	pass, err := resolver.Resolve()
	if err != nil {
		return nil, err
	}
	path, err := auth.DefaultVaultPath()
	if err != nil {
		return nil, err
	}
	return auth.NewEncryptedFileSource(path, pass)
}

func runAccountsList(ctx context.Context) error {
	cfg, log, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	repo := store.Accounts(accountsSettings(cfg))
	accounts, err := repo.List(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		ui.PrintWarning("The pool is empty. Add accounts with 'xscraper accounts import <file>'.")
		return nil
	}
	eligible, err := repo.CountEligible(ctx)
	if err != nil {
		return err
	}
	renderAccounts(os.Stdout, accounts, eligible, time.Now())
	return nil
}

// renderAccounts prints one row per account with secrets masked
func renderAccounts(w io.Writer, accounts []models.Account, eligible int, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"ID", "Username", "Status", "Available", "Reason", "Token", "CSRF", "Today", "Total", "Lease"})

	for _, a := range accounts {
		t.AppendRow(table.Row{
			a.ID,
			a.Username,
			statusLabel(a.Status),
			availability(a.AvailableTil, now),
			models.Str(a.CooldownReason),
			auth.MaskSecret(models.Str(a.AuthToken)),
			auth.MaskSecret(models.Str(a.CSRF)),
			fmt.Sprintf("%d req / %d items", a.DailyRequests, a.DailyItems),
			a.TotalItems,
			leaseLabel(a, now),
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d accounts", len(accounts)), fmt.Sprintf("%d leasable", eligible)})
	t.Render()
}

func statusLabel(status *int) string {
	switch {
	case status == nil:
		return "unknown"
	case *status == models.StatusUsable:
		return "usable"
	case *status == models.StatusUnusable:
		return "unusable"
	default:
		return fmt.Sprintf("%d", *status)
	}
}

func availability(til *float64, now time.Time) string {
	at := models.Float(til)
	if at == 0 {
		return "never"
	}
	when := time.Unix(int64(at), 0)
	if !when.After(now) {
		return "now"
	}
	return "in " + when.Sub(now).Round(time.Second).String()
}

func leaseLabel(a models.Account, now time.Time) string {
	if a.LeaseID == nil || models.Float(a.LeaseExpiresAt) <= float64(now.Unix()) {
		return "-"
	}
	return models.Str(a.LeaseWorkerID)
}

func runAccountsDiagnose(ctx context.Context) error {
	cfg, log, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	diag, err := store.Accounts(accountsSettings(cfg)).EligibilityDiagnostics(ctx, diagnoseSamples)
	if err != nil {
		return err
	}
	if diagnoseJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(diag)
	}
	renderDiagnostics(os.Stdout, diag)
	return nil
}

// renderDiagnostics prints the blocked-reason tally and the samples
func renderDiagnostics(w io.Writer, diag *storage.Diagnostics) {
	fmt.Fprintf(w, "%d of %d accounts can be leased now\n\n", diag.Eligible, diag.Total)
	if len(diag.BlockedCounts) == 0 {
		return
	}

	reasons := make([]string, 0, len(diag.BlockedCounts))
	for reason := range diag.BlockedCounts {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		ci, cj := diag.BlockedCounts[reasons[i]], diag.BlockedCounts[reasons[j]]
		if ci != cj {
			return ci > cj
		}
		return reasons[i] < reasons[j]
	})

	counts := table.NewWriter()
	counts.SetOutputMirror(w)
	counts.SetStyle(table.StyleRounded)
	counts.AppendHeader(table.Row{"Blocked by", "Accounts"})
	for _, reason := range reasons {
		counts.AppendRow(table.Row{reason, diag.BlockedCounts[reason]})
	}
	counts.Render()

	if len(diag.BlockedSamples) == 0 {
		return
	}
	fmt.Fprintln(w)
	samples := table.NewWriter()
	samples.SetOutputMirror(w)
	samples.SetStyle(table.StyleRounded)
	samples.AppendHeader(table.Row{"ID", "Username", "Reasons", "Today", "Token", "CSRF", "Cookies"})
	for _, s := range diag.BlockedSamples {
		samples.AppendRow(table.Row{
			s.ID,
			s.Username,
			strings.Join(s.Reasons, ", "),
			fmt.Sprintf("%d req / %d items", s.DailyRequests, s.DailyItems),
			yesNo(s.HasToken),
			yesNo(s.HasCSRF),
			yesNo(s.HasCookies),
		})
	}
	samples.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
