package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"toolbridge/internal/config"
)

func newConfigCmd(st *cliState) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented " + config.DefaultConfigPath + " template",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(st.flags.ConfigPath, force); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			if !st.flags.Quiet {
				fmt.Fprintln(st.streams.out, "Wrote", st.flags.ConfigPath)
				fmt.Fprintln(st.streams.out, "Set [process] command, or export "+config.EnvPrefix+"PROCESS_COMMAND.")
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	var format string
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective config (process env values redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Print even when the command is not configured yet.
			cfg, err := st.loadConfig(cmd, true)
			if err != nil {
				return err
			}
			data, err := config.Render(cfg, format)
			if err != nil {
				return err
			}
			_, err = st.streams.out.Write(data)
			return err
		},
	}
	printCmd.Flags().StringVar(&format, "format", "toml", "output format: toml|yaml")

	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(printCmd)
	return configCmd
}
