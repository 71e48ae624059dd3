// Command wfbundle is a thin CLI front-end over the pkg/bundle
// programmatic API: build, verify, and cache inspection, each a direct
// wrapper over its pkg/bundle counterpart. It is not a reimplementation
// of the excluded external collaborator CLI (no size-budget reports, no
// bundle comparison, no signing) — it exists so the library is reachable
// as a standalone program, the way the teacher ships cmd/bundle-js
// alongside pkg/workflow.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentic-run/wfbundle/pkg/bundle"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "wfbundle",
	Short:   "Deterministic-replay workflow bundler",
	Version: version,
	Long: `wfbundle compiles a workflow entrypoint into a single
deterministic-replay-safe JavaScript bundle for a Temporal-style
workflow worker.

Common tasks:
  wfbundle build workflows.ts          # bundle a workflow entrypoint
  wfbundle verify workflows.ts         # confirm repeat builds are identical
  wfbundle cache stats                 # inspect the on-disk bundle cache
  wfbundle cache clear                 # clear the bundle cache`,
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Has no effect; debug output is enabled with DEBUG=bundle:*")
	rootCmd.SetOut(os.Stderr)
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newCacheCommand())
}

func newBuildCommand() *cobra.Command {
	var (
		out        string
		mode       string
		sourceMap  string
		ignore     []string
		forceCache bool
	)
	cmd := &cobra.Command{
		Use:   "build <workflows-file>",
		Short: "Bundle a workflow entrypoint into a single deterministic-replay-safe module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := bundle.LoadOptionsWithConfig(bundle.BundleOptions{
				WorkflowsPath: args[0],
				Mode:          bundle.Mode(mode),
				SourceMap:     bundle.SourceMapMode(sourceMap),
				IgnoreModules: ignore,
				ForceRebuild:  forceCache,
			})
			if err != nil {
				return err
			}

			wb, err := bundle.GetCachedBundle(opts)
			if err != nil {
				return err
			}

			if out == "" {
				fmt.Print(wb.Code)
				return nil
			}
			if err := bundle.SaveBundle(out, wb); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "✓ Bundled %s -> %s (%d warning(s), %d diagnostic(s))\n",
				args[0], out, len(wb.Metadata.Warnings), len(wb.Diagnostics))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file; bundle is written to stdout if omitted")
	cmd.Flags().StringVar(&mode, "mode", string(bundle.ModeDevelopment), "Build mode: development or production")
	cmd.Flags().StringVar(&sourceMap, "source-map", string(bundle.SourceMapNone), "Source map mode: inline, external, or none")
	cmd.Flags().StringSliceVar(&ignore, "ignore-module", nil, "Module specifier to stub out instead of rejecting (repeatable)")
	cmd.Flags().BoolVar(&forceCache, "force", false, "Bypass the cache and rebuild")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "verify <workflows-file>",
		Short: "Build a workflow entrypoint N times and confirm the output is byte-identical",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := bundle.LoadOptionsWithConfig(bundle.BundleOptions{WorkflowsPath: args[0]})
			if err != nil {
				return err
			}
			result, err := bundle.VerifyDeterministicBuild(opts, count)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Deterministic {
				return fmt.Errorf("build is not deterministic across %d builds", result.BuildCount)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 3, "Number of repeat builds to compare (clamped to [2, 10])")
	return cmd
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the bundle cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print the on-disk cache's size and entry count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := bundle.GetBundleCacheStats(bundle.BundleOptions{})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all entries from the bundle cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := bundle.ClearBundleCache(bundle.BundleOptions{}); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "✓ cache cleared")
			return nil
		},
	})
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}
