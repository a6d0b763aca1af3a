package main

import (
	"github.com/spf13/cobra"

	"github.com/theycallmek/kingshot-coordinator/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), redacted(cc.Cfg))
	}

	return config.RenderEffective(cc.Cfg, cc.CfgPath, cmd.OutOrStdout())
}

// redacted returns a copy of cfg with the provider secret masked.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	if out.Provider.Secret != "" {
		out.Provider.Secret = "(set)"
	}

	return &out
}
