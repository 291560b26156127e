package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printVersion(cmd.OutOrStdout())
		},
	}
}

// printVersion writes the build information. Builds without a semantic
// version tag are reported as development builds.
func printVersion(out io.Writer) error {
	kind := "release"
	if !semver.IsValid(canonicalVersion(version)) {
		kind = "development"
	} else if semver.Prerelease(canonicalVersion(version)) != "" {
		kind = "pre-release"
	}
	_, err := fmt.Fprintf(out, "huesync %s (%s)\n  commit: %s\n  built:  %s\n  go:     %s %s/%s\n",
		version, kind, commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}

// canonicalVersion adds the "v" prefix semver expects.
func canonicalVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}
