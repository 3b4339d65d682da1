package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/socio-bridge/pkg/config"
)

func newConfigCommand(rs *rootSettings) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rs.load(cmd)
			if err != nil {
				return err
			}
			if err := config.Validate(&cfg); err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
