package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/srte/internal/config"
	"firestige.xyz/srte/internal/srdb"
	"firestige.xyz/srte/internal/srh"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and an optional path file",
	Long: `Load and validate the configuration file without starting anything.

With --paths, also load a YAML path file and check that every segment list
encodes into a segment routing header.

Examples:
  srte validate -c /etc/srte/config.yml
  srte validate -c config.yml --paths paths.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd.OutOrStdout(), configFile, validatePaths)
	},
}

var validatePaths string

func init() {
	validateCmd.Flags().StringVar(&validatePaths, "paths", "", "YAML path file to validate")
}

func runValidate(out io.Writer, cfgPath, pathsFile string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "VALID: config %s (node %s, feed %s)\n", cfgPath, cfg.Node.Hostname, cfg.Database.Feed)

	if pathsFile == "" {
		return nil
	}
	rows, err := srdb.LoadFile(pathsFile)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	lists := 0
	for _, row := range rows {
		for i, segs := range row.Segments {
			if _, err := srh.Encode(segs, false); err != nil {
				return fmt.Errorf("INVALID: row %s segment list %d: %w", row.UUID, i, err)
			}
			lists++
		}
	}
	fmt.Fprintf(out, "VALID: paths %s (%d rows, %d segment lists)\n", pathsFile, len(rows), lists)
	return nil
}
