package cli

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags. When left empty the
// module build info is used instead.
var Version = ""

// VersionInfo is the version command's payload.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := resolveVersion()
			formatter := &OutputFormatter{
				Format: rootOpts.Format,
				Writer: cmd.OutOrStdout(),
			}
			if formatter.Format == "json" {
				return formatter.Success(info)
			}
			if info.Commit != "" {
				fmt.Fprintf(formatter.Writer, "reactor %s (%s)\n", info.Version, info.Commit)
			} else {
				fmt.Fprintf(formatter.Writer, "reactor %s\n", info.Version)
			}
			return nil
		},
	}
}

func resolveVersion() VersionInfo {
	info := VersionInfo{Version: Version}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		if info.Version == "" {
			info.Version = "devel"
		}
		return info
	}
	if info.Version == "" {
		info.Version = bi.Main.Version
	}
	if info.Version == "" || info.Version == "(devel)" {
		info.Version = "devel"
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			info.Commit = s.Value[:12]
		}
	}
	return info
}
