package cmd

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/extbridge/internal/extension"
	"github.com/xkilldash9x/extbridge/internal/observability"
	"github.com/xkilldash9x/extbridge/internal/storage"
)

func newManifestCmd() *cobra.Command {
	var (
		rawURL   string
		subframe bool
	)
	manifestCmd := &cobra.Command{
		Use:   "manifest <dir>",
		Short: "Validate an unpacked extension and show what it would run",
		Long: `manifest loads the extension in <dir> the way serve would and prints a summary.
With --url it lists the content scripts that would be injected into a page at that URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			var target *url.URL
			if rawURL != "" {
				if target, err = url.Parse(rawURL); err != nil {
					return fmt.Errorf("invalid --url: %w", err)
				}
			}
			catalog, err := extension.NewCatalog(newFs(), extension.CatalogOptions{
				GlobalScopeID: cfg.Bridge().GlobalScopeID,
				Locale:        cfg.Extensions().Locale,
				Areas:         func(string) (storage.Area, error) { return storage.NewMemoryArea(), nil },
			}, observability.GetLogger())
			if err != nil {
				return err
			}
			dir := filepath.Clean(args[0])
			ext, err := catalog.Load(filepath.Base(dir), dir)
			if err != nil {
				return fmt.Errorf("invalid extension in %s: %w", dir, err)
			}
			return printManifest(cmd.OutOrStdout(), catalog, ext, target, !subframe)
		},
	}
	manifestCmd.Flags().StringVar(&rawURL, "url", "", "list the content scripts that apply to this page URL")
	manifestCmd.Flags().BoolVar(&subframe, "subframe", false, "treat --url as a subframe rather than the main frame")
	return manifestCmd
}

func printManifest(w io.Writer, catalog *extension.Catalog, ext *extension.BrowserExtension, target *url.URL, mainFrame bool) error {
	m := ext.Manifest()
	var b strings.Builder
	fmt.Fprintf(&b, "id:         %s\n", ext.ID())
	fmt.Fprintf(&b, "name:       %s\n", m.Name)
	fmt.Fprintf(&b, "version:    %s\n", m.Version)
	if scripts := ext.BackgroundScripts(); len(scripts) > 0 {
		fmt.Fprintf(&b, "background: %s\n", strings.Join(scripts, ", "))
	}
	if m.HasBrowserAction() {
		fmt.Fprintf(&b, "popup:      %s\n", m.BrowserActionPopup())
	}
	fmt.Fprintf(&b, "content scripts: %d\n", len(m.ContentScripts))

	if target != nil {
		matches := catalog.MatchingContentScripts(target, mainFrame)
		fmt.Fprintf(&b, "\n%d content script(s) apply to %s\n", len(matches), target)
		for _, match := range matches {
			cs := match.Script
			runAt := cs.RunAt
			if runAt == "" {
				runAt = extension.RunAtDocumentEnd
			}
			files := append(append([]string(nil), cs.JS...), cs.CSS...)
			fmt.Fprintf(&b, "  %-15s %s\n", runAt, strings.Join(files, ", "))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
