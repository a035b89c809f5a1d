package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ncobase/guardrail/extension/plugin"
	"github.com/ncobase/guardrail/version"
	"github.com/spf13/cobra"
)

// errRejected is returned when at least one directory fails a check
var errRejected = errors.New("one or more plugins were rejected")

func newScanCommand() *cobra.Command {
	var (
		patterns []string
		platform string
	)

	cmd := &cobra.Command{
		Use:   "scan <dir>...",
		Short: "Validate plugin manifests and statically scan entry points",
		Long: `Run the checks that precede sandbox activation: manifest schema,
platform compatibility, the pinned checksum and the static source scan.
Nothing is loaded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := plugin.NewStaticScanner(patterns...)
			rejected := false
			for _, dir := range args {
				if !scanDir(cmd.Context(), cmd.OutOrStdout(), s, dir, platform) {
					rejected = true
				}
			}
			if rejected {
				return errRejected
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&patterns, "pattern", "p", nil, "extra denylist pattern")
	cmd.Flags().StringVar(&platform, "platform", version.Version, "platform version to check against")
	return cmd
}

func scanDir(ctx context.Context, w io.Writer, s *plugin.StaticScanner, dir, platform string) bool {
	m, _, err := plugin.ReadManifest(dir, plugin.DefaultManifestNames)
	if err == nil {
		err = m.Validate()
	}
	if err == nil {
		err = m.CheckCompatibility(platform)
	}
	if err == nil {
		err = m.VerifyChecksum(dir)
	}
	if err != nil {
		fmt.Fprintf(w, "FAIL %s: %v\n", dir, err)
		return false
	}

	entry, err := plugin.ResolvePath(dir, m.EntryPoint)
	if err != nil {
		fmt.Fprintf(w, "FAIL %s: %v\n", m.Name, err)
		return false
	}
	violations, err := s.ScanFile(ctx, m.Name, entry)
	if err != nil {
		fmt.Fprintf(w, "FAIL %s: %v\n", m.Name, err)
		return false
	}
	if len(violations) > 0 {
		fmt.Fprintf(w, "FAIL %s: %d violation(s)\n", m.Name, len(violations))
		for _, v := range violations {
			fmt.Fprintf(w, "  %s\n", v)
		}
		return false
	}
	fmt.Fprintf(w, "ok   %s %s\n", m.Name, m.Version)
	return true
}

func newChecksumCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "checksum <dir>",
		Short: "Print the checksum line to pin in a plugin manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := plugin.ReadManifest(args[0], plugin.DefaultManifestNames)
			if err != nil {
				return err
			}
			path, err := plugin.ResolvePath(args[0], m.ChecksumTarget())
			if err != nil {
				return err
			}
			sum, err := plugin.Checksum(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checksum: %s\n", sum)
			return nil
		},
	}
}
