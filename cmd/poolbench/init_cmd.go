package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// defaultTree is the configuration written by `poolbench init`.
func defaultTree() map[string]any {
	return map[string]any{
		"logging": map[string]any{
			"level":  "INFO",
			"format": "text",
		},
		"pool": map[string]any{
			"soft_limit": "512Mi",
			"hard_limit": "1Gi",
			"workers":    4,
		},
		"store": map[string]any{
			"type": "disk",
			"dir":  "/var/lib/blockpool",
		},
		"metrics": map[string]any{
			"enabled":         false,
			"listen":          "127.0.0.1:9090",
			"sample_interval": "5s",
		},
	}
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "poolbench.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			out, err := yaml.Marshal(defaultTree())
			if err != nil {
				return fmt.Errorf("marshal default config: %w", err)
			}
			if err := os.WriteFile(path, out, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
