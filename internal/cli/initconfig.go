package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nghyane/dreamina-mux/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	RunE: func(c *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = "config.yaml"
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			fmt.Printf("Config already exists: %s (use --force to overwrite)\n", path)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.WriteFile(path, config.GenerateDefaultConfigYAML(), 0o600); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Created: %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}
