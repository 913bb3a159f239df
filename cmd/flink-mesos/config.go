package main

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved framework configuration",
	Long: `Resolve the configuration exactly as 'run' would and print it as YAML.
Useful to check what a given environment produces before deploying.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fw, err := loadFramework(cmd)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(fw)
	},
}
