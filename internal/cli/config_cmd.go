package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"openclusters/internal/config"
	"openclusters/internal/regions"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X openclusters/internal/cli.Version=...".
var Version = "v0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate openclusters configuration",
	}

	var asJSON bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd, asJSON)
		},
	}
	showCmd.Flags().BoolVar(&asJSON, "json", false, "print the merged configuration as JSON")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.configValidate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r.cfg)
	}

	cfgPath := os.Getenv(config.ConfigEnv)
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/openclusters/config.json"
	}
	fmt.Fprintf(out, "Current configuration:\n")
	fmt.Fprintf(out, "Config file: %s\n", cfgPath)
	fmt.Fprintf(out, "\nPaths:\n")
	fmt.Fprintf(out, "  Data directory: %s\n", r.cfg.Paths.DataDir)
	fmt.Fprintf(out, "  Catalogue: %s\n", r.cfg.Paths.CatalogPath)
	fmt.Fprintf(out, "  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(out, "  TIC8 database: %s\n", r.cfg.Paths.TIC8Path)
	fmt.Fprintf(out, "\nReduction:\n")
	fmt.Fprintf(out, "  Sky sigma: %g\n", r.cfg.Reduction.SkySigma)
	fmt.Fprintf(out, "  Sky tolerance: %g\n", r.cfg.Reduction.SkyTolerance)
	fmt.Fprintf(out, "  Default dark exposure: %gs\n", r.cfg.Reduction.DarkExposure)
	fmt.Fprintf(out, "  Extensions: %s\n", strings.Join(r.cfg.Reduction.Extensions, " "))
	fmt.Fprintf(out, "\nRegions:\n")
	fmt.Fprintf(out, "  Border: %g px\n", r.cfg.Regions.Border)
	fmt.Fprintf(out, "  Radius: %g px\n", r.cfg.Regions.Radius)
	fmt.Fprintf(out, "  Colour: %s\n", r.cfg.Regions.Colour)
	fmt.Fprintf(out, "\nPhotometry:\n")
	fmt.Fprintf(out, "  Annulus: %g-%g px\n", r.cfg.Photometry.AnnulusInner, r.cfg.Photometry.AnnulusOuter)
	fmt.Fprintf(out, "  Gain: %g e-/ADU\n", r.cfg.Photometry.Gain)
	fmt.Fprintf(out, "  Recenter: %t\n", r.cfg.Photometry.Recenter)
	fmt.Fprintf(out, "\nProcessing:\n")
	fmt.Fprintf(out, "  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Fprintf(out, "  Log level: %s (%s)\n", r.cfg.Logging.Level, r.cfg.Logging.Format)
	return nil
}

func (r *Root) configValidate() error {
	err := r.cfg.Validate()
	if r.cfg.Regions.Colour != "" {
		if cerr := regions.ValidateColour(r.cfg.Regions.Colour); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "openclusters %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", runtime.Version())
		},
	}
}
