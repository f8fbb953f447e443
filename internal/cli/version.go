package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"toolbridge/internal/buildinfo"
)

func newVersionCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(st.streams.out, "toolbridge", buildinfo.Version)
			return err
		},
	}
}
