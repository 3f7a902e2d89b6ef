package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/modsync/internal/config"
	"github.com/schaermu/modsync/internal/report"
	"github.com/schaermu/modsync/internal/symlink"
	modsync "github.com/schaermu/modsync/internal/sync"
	"github.com/schaermu/modsync/internal/webhook"
)

func (a *app) syncCommand() *cobra.Command {
	var (
		dryRun     bool
		categories []string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Clone or update every declared package",
		Long: `Sync processes the categories mods, client_mods, games and texture_packs in
that order. Each declared package is cloned into its folder when the folder is
missing, or fetched and merged from its remote when it holds a repository.
Anything else is reported as a conflict and left untouched.

Conflicts do not fail the command; they are listed and kept in the last-run
report shown by "modsync status".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := setupSignalHandler()
			defer cancel()

			cfg, err := a.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Collection == "" {
				return fmt.Errorf("no collection directory: set collection in %s or pass --collection", a.configPath())
			}
			if !dryRun {
				if err := os.MkdirAll(cfg.Collection, 0755); err != nil {
					return fmt.Errorf("failed to create collection directory: %w", err)
				}
			}

			engine := a.newEngine(cfg, a.reporter())
			opts := modsync.Options{Categories: categories, Jobs: a.v.GetInt("jobs")}

			var rep *modsync.Report
			if dryRun {
				rep, err = engine.Plan(ctx, opts)
			} else {
				rep, err = engine.Run(ctx, opts)
			}
			if rep != nil {
				prefix := ""
				if dryRun {
					prefix = "dry run: "
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", prefix, rep.Summary())
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "only sync these categories (repeatable)")
	return cmd
}

func (a *app) linkCommand() *cobra.Command {
	var (
		role         string
		ignoreHidden bool
	)

	cmd := &cobra.Command{
		Use:   "link [SOURCE TARGET]",
		Short: "Mirror subdirectories into another directory as symlinks",
		Long: `Link creates a symbolic link in TARGET for every subdirectory of SOURCE.
Entries that already exist in TARGET are never replaced: a link to the same
source is reported as already linked, anything else as blocked.

Without arguments every pair listed under links in the config file is
processed.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected SOURCE and TARGET, or no arguments")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var pairs []symlink.Pair
			if len(args) == 2 {
				pairs = append(pairs, symlink.Pair{
					Source:       args[0],
					Target:       args[1],
					Role:         role,
					IgnoreHidden: ignoreHidden,
				})
			} else {
				cfg, err := a.loadConfig()
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				for _, l := range cfg.Links {
					pairs = append(pairs, symlink.Pair{
						Source:       l.Source,
						Target:       l.Target,
						Role:         l.Role,
						IgnoreHidden: l.IgnoreHidden || ignoreHidden,
					})
				}
			}
			if len(pairs) == 0 {
				return fmt.Errorf("no link pairs configured in %s", a.configPath())
			}

			s, err := symlink.New(afero.NewOsFs(), a.reporter(), a.logger)
			if err != nil {
				return err
			}

			counts := make(map[symlink.State]int)
			for _, pr := range s.SyncAll(pairs) {
				if pr.Duplicate {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "skipped duplicate pair %s -> %s\n", pr.Pair.Source, pr.Pair.Target)
				}
				for _, r := range pr.Results {
					counts[r.State]++
				}
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), linkSummary(counts))
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "link", "label shown for an ad-hoc pair")
	cmd.Flags().BoolVar(&ignoreHidden, "ignore-hidden", false, "skip source entries whose names begin with a dot")
	return cmd
}

func linkSummary(counts map[symlink.State]int) string {
	order := []struct {
		state symlink.State
		label string
	}{
		{symlink.LinkedNow, "linked"},
		{symlink.AlreadyLinked, "already linked"},
		{symlink.Blocked, "blocked"},
		{symlink.Failed, "failed"},
	}

	var parts []string
	for _, o := range order {
		if n := counts[o.state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, o.label))
		}
	}
	if len(parts) == 0 {
		return "nothing to link"
	}
	return strings.Join(parts, ", ")
}

func (a *app) statusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the report of the last sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			rep, err := modsync.LoadReport(cfg.LastRunPath())
			if errors.Is(err, os.ErrNotExist) {
				_, _ = fmt.Fprintln(out, "no sync has run yet")
				return nil
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}

			_, _ = fmt.Fprintf(out, "last run:   %s\n", rep.FinishedAt.Local().Format("2006-01-02 15:04:05"))
			_, _ = fmt.Fprintf(out, "collection: %s\n", rep.Collection)
			for _, c := range rep.Categories {
				_, _ = fmt.Fprintf(out, "%s: %s\n", c.Name, c.Tally)
				for _, o := range c.Outcomes {
					if !o.Kind.IsConflict() {
						continue
					}
					_, _ = fmt.Fprintf(out, "  %s  %s\n", o.Kind, o.URL)
					if o.Detail != "" {
						_, _ = fmt.Fprintf(out, "      %s\n", firstLine(o.Detail))
					}
				}
			}
			_, _ = fmt.Fprintf(out, "total: %s\n", rep.Summary())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (a *app) addCommand() *cobra.Command {
	var pkg config.Package
	var kind string

	cmd := &cobra.Command{
		Use:   "add CATEGORY URL",
		Short: "Declare a package in the config file",
		Long: fmt.Sprintf(`Add appends a package declaration to CATEGORY (one of %s)
and writes the config file back. The file is created if it does not exist.`,
			strings.Join(config.CategoryNames, ", ")),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := a.readConfigForEdit()
			if err != nil {
				return err
			}

			pkg.Type = config.Kind(kind)
			pkg.URL = args[1]
			if err := cfg.AddPackage(args[0], pkg); err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s\n", pkg.URL, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "type", string(config.KindGit), "package type (git, contentdb)")
	cmd.Flags().StringVar(&pkg.FolderName, "folder", "", "folder name (derived from the url by default)")
	cmd.Flags().StringVar(&pkg.Branch, "branch", "", "branch to clone and merge (remote default branch by default)")
	cmd.Flags().StringVar(&pkg.Remote, "remote", "", "remote name (sync.remote by default)")
	return cmd
}

func (a *app) removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove CATEGORY URL|FOLDER",
		Short: "Remove a package declaration from the config file",
		Long: `Remove deletes the declaration matching URL or FOLDER from CATEGORY. The
package folder in the collection is left alone.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := a.readConfigForEdit()
			if err != nil {
				return err
			}

			pkg, err := cfg.RemovePackage(args[0], args[1])
			if err != nil {
				return err
			}
			if err := cfg.Save(path); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", pkg.URL, args[0])
			return nil
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long: `Serve syncs every package once, then listens for GitHub push events and
syncs the packages whose url names the pushed repository.

Requests must carry a valid X-Hub-Signature-256 for the secret read from
serve.github_webhook_secret_file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := setupSignalHandler()
			defer cancel()

			cfg, err := a.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if err := cfg.ValidateServe(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if cfg.Collection == "" {
				return fmt.Errorf("no collection directory: set collection in %s or pass --collection", a.configPath())
			}
			if err := os.MkdirAll(cfg.Collection, 0755); err != nil {
				return fmt.Errorf("failed to create collection directory: %w", err)
			}

			engine := a.newEngine(cfg, report.NewLogReporter(a.logger))
			server, err := webhook.NewServer(cfg, engine, a.logger)
			if err != nil {
				return err
			}
			return server.Start(ctx)
		},
	}
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "modsync %s\n", version)
			_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
			_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
