package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chute-io/chute/internal/client"
	"github.com/chute-io/chute/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:           "stats [flags] <addr>",
	Short:         "Show a server's transfer counters",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runStats,
}

func init() {
	statsCmd.Flags().Bool("tls", false, "connect over TLS")
	statsCmd.Flags().Bool("quic", false, "connect over QUIC")
	statsCmd.Flags().
		String("fingerprint", "", "expected TLS fingerprint (SHA256:...)")
	statsCmd.Flags().StringP("identity", "i", "", "SSH private key file for auth (like ssh -i)")
}

func runStats(cmd *cobra.Command, args []string) error {
	useTLS, _ := cmd.Flags().GetBool("tls")
	useQUIC, _ := cmd.Flags().GetBool("quic")
	fingerprint, _ := cmd.Flags().GetString("fingerprint")
	identity, _ := cmd.Flags().GetString("identity")

	signer, err := loadSigner(identity)
	if err != nil {
		return err
	}

	c, err := client.Dial(context.Background(), args[0], client.Options{
		TLS:         useTLS,
		QUIC:        useQUIC,
		Fingerprint: fingerprint,
		Signer:      signer,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	snap, err := c.Stats()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "transfers:    %d\n", snap.Transfers)
	fmt.Fprintf(os.Stdout, "zero-copy:    %d (%.1f%%)\n", snap.ZeroCopyTransfers, snap.ZeroCopyPercentage)
	fmt.Fprintf(os.Stdout, "fallback:     %d\n", snap.FallbackTransfers)
	fmt.Fprintf(os.Stdout, "errors:       %d\n", snap.TransferErrors)
	fmt.Fprintf(os.Stdout, "stalls:       %d\n", snap.Stalls)
	fmt.Fprintf(os.Stdout, "bytes served: %s\n", stats.FormatBytes(snap.BytesTransferred))
	return nil
}
