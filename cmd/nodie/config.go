package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"nodie/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change node settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		cfg, err := config.Load(config.FilePath(dir))
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", config.FilePath(dir), data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration key",
	Long:  `Set a configuration key. Nested keys are dotted, e.g. policy.good_threshold_mbps. Changes apply on the next start.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		if _, err := config.Set(config.FilePath(dir), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		fmt.Println("Restart the node for changes to take effect.")
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.Keys() {
			fmt.Println(k)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configKeysCmd)
}
