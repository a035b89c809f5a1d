package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newLoadCommand(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load [dir]...",
		Short: "Load plugins through every stage, then unload them",
		Long: `Dry run of the full load pipeline. Each directory is loaded, reported
and unloaded again. Without arguments the configured plugin directories are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			ctx := cmd.Context()
			if len(args) == 0 {
				_, err = a.loader.LoadAll(ctx)
			} else {
				err = loadDirs(ctx, a, args)
			}

			out := cmd.OutOrStdout()
			for _, l := range a.loader.List() {
				fmt.Fprintf(out, "loaded %s %s (%s) permissions=[%s]\n",
					l.ID(), l.Manifest.Version, l.Manifest.Runtime, strings.Join(l.Permissions, ","))
			}
			if uerr := a.loader.UnloadAll(context.WithoutCancel(ctx)); uerr != nil {
				fmt.Fprintf(out, "unload: %v\n", uerr)
			}
			return err
		},
	}
	return cmd
}

func loadDirs(ctx context.Context, a *app, dirs []string) error {
	var failed []string
	for _, dir := range dirs {
		if _, err := a.loader.Load(ctx, dir); err != nil {
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s", strings.Join(failed, "\n"))
	}
	return nil
}
