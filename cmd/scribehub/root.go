package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/harunnryd/scribehub/pkg/scribehub"
)

type commandContext struct {
	configPath *string
}

func (c *commandContext) loader() (*scribehub.Loader, error) {
	return scribehub.NewLoader(strings.TrimSpace(*c.configPath))
}

func (c *commandContext) config() (scribehub.Config, error) {
	l, err := c.loader()
	if err != nil {
		return scribehub.Config{}, err
	}
	return l.Load()
}

func newRootCommand() *cobra.Command {
	var configFlag string
	ctx := &commandContext{configPath: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "scribehub",
		Short:         "Real-time transcription session broker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}
