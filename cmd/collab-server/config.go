package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"collab/internal/config"
)

var configCmdPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Loads the configuration the same way serve does, defaults and environment overrides applied, and prints the result.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configCmdPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.Flags().StringVarP(&configCmdPath, "config", "c", "", "path to the YAML config file")
}
