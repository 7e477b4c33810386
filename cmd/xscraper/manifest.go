package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"xscraper/pkg/manifest"
	"xscraper/pkg/ui"
)

var manifestStrict bool

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect the API manifest",
	Long: `The manifest holds the GraphQL query ids, endpoints and feature flags
searches use. It comes from manifest.url (cached in the state database),
manifest.file or the copy bundled with the binary, in that order.`,
}

var manifestShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the manifest searches would use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManifest(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, p *manifest.Provider) (*manifest.Manifest, error) {
			return p.Get(ctx), nil
		})
	},
}

var manifestRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the remote manifest now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManifest(cmd.Context(), cmd.OutOrStdout(), func(ctx context.Context, p *manifest.Provider) (*manifest.Manifest, error) {
			return p.Refresh(ctx, manifestStrict)
		})
	},
}

func init() {
	rootCmd.AddCommand(manifestCmd)
	manifestCmd.AddCommand(manifestShowCmd, manifestRefreshCmd)
	manifestRefreshCmd.Flags().BoolVar(&manifestStrict, "strict", false, "fail instead of falling back when the fetch fails")
}

func withManifest(ctx context.Context, out io.Writer, get func(context.Context, *manifest.Provider) (*manifest.Manifest, error)) error {
	cfg, log, err := loadConfig(nil)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := get(ctx, newManifestProvider(cfg, store, log))
	if err != nil {
		return err
	}
	if cfg.Manifest.URL != "" {
		ui.PrintInfo("Source", cfg.Manifest.URL)
	}
	renderManifest(out, m)
	return nil
}

// renderManifest prints the version, fingerprint and one row per operation
func renderManifest(w io.Writer, m *manifest.Manifest) {
	fmt.Fprintf(w, "version:     %s\n", m.Version)
	fmt.Fprintf(w, "fingerprint: %s\n", m.Fingerprint)
	fmt.Fprintf(w, "timeout:     %s\n", m.Timeout())
	fmt.Fprintf(w, "features:    %d flags\n\n", len(m.Features))

	ops := make([]string, 0, len(m.QueryIDs))
	for op := range m.QueryIDs {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Operation", "Query ID", "Endpoint"})
	for _, op := range ops {
		endpoint, err := m.EndpointURL(op)
		if err != nil {
			endpoint = "-"
		}
		t.AppendRow(table.Row{op, m.QueryIDs[op], endpoint})
	}
	t.Render()
}
