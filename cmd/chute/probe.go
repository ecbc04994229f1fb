package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chute-io/chute/internal/platform"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report this platform's zero-copy capability",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		profile := platform.Detect()
		fmt.Fprintf(os.Stdout, "platform:  %s\n", profile.Tag)
		fmt.Fprintf(os.Stdout, "zero-copy: %v\n", profile.ZeroCopy)
	},
}
