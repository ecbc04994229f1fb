package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/chute-io/chute/internal/client"
	"github.com/chute-io/chute/internal/config"
	"github.com/chute-io/chute/internal/stats"
	"github.com/chute-io/chute/internal/wire"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [flags] <addr> <path> [output]",
	Short: "Fetch a file from a chute server",
	Long: `Fetch a file (or a byte range of one) from a chute server.

The output argument defaults to the file's base name in the current
directory; use "-" to stream to stdout. Transfers are verified against
a BLAKE3 digest unless --no-digest is given.`,
	Args:          cobra.RangeArgs(2, 3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runFetch,
}

func init() {
	fetchCmd.Flags().Bool("tls", false, "connect over TLS")
	fetchCmd.Flags().Bool("quic", false, "connect over QUIC")
	fetchCmd.Flags().
		String("fingerprint", "", "expected TLS fingerprint (SHA256:...)")
	fetchCmd.Flags().StringP("identity", "i", "", "SSH private key file for auth (like ssh -i)")
	fetchCmd.Flags().
		StringP("compression", "z", "", "body compression: zstd or lz4 (default none)")
	fetchCmd.Flags().Int64("offset", 0, "start offset in bytes")
	fetchCmd.Flags().Int64("length", 0, "number of bytes to fetch (0 = to end of file)")
	fetchCmd.Flags().Bool("no-digest", false, "skip BLAKE3 digest verification")
}

func runFetch(cmd *cobra.Command, args []string) error {
	addr, remotePath := args[0], args[1]
	output := path.Base(remotePath)
	if len(args) == 3 {
		output = args[2]
	}

	useTLS, _ := cmd.Flags().GetBool("tls")
	useQUIC, _ := cmd.Flags().GetBool("quic")
	fingerprint, _ := cmd.Flags().GetString("fingerprint")
	identity, _ := cmd.Flags().GetString("identity")
	compression, _ := cmd.Flags().GetString("compression")
	offset, _ := cmd.Flags().GetInt64("offset")
	length, _ := cmd.Flags().GetInt64("length")
	noDigest, _ := cmd.Flags().GetBool("no-digest")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cmd.Flags().Changed("tls") && cfg.Fetch.TLS != nil {
		useTLS = *cfg.Fetch.TLS
	}
	if !cmd.Flags().Changed("quic") && cfg.Fetch.QUIC != nil {
		useQUIC = *cfg.Fetch.QUIC
	}
	if !cmd.Flags().Changed("fingerprint") && cfg.Fetch.Fingerprint != nil {
		fingerprint = *cfg.Fetch.Fingerprint
	}
	if !cmd.Flags().Changed("identity") && cfg.Fetch.Identity != nil {
		identity = *cfg.Fetch.Identity
	}
	if !cmd.Flags().Changed("compression") && cfg.Fetch.Compression != nil {
		compression = *cfg.Fetch.Compression
	}

	switch compression {
	case wire.CompressNone, wire.CompressZstd, wire.CompressLZ4:
	default:
		return fmt.Errorf("unknown compression %q", compression)
	}

	signer, err := loadSigner(identity)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, addr, client.Options{
		TLS:         useTLS,
		QUIC:        useQUIC,
		Fingerprint: fingerprint,
		Signer:      signer,
		Compression: compression,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	var dst io.Writer = os.Stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		dst = f
	}

	start := time.Now()
	res, err := c.Fetch(client.FetchRequest{
		Path:       remotePath,
		Offset:     offset,
		Length:     length,
		WantDigest: !noDigest,
	}, dst)
	if err != nil {
		return err
	}

	elapsed := time.Since(start)
	rate := float64(res.Bytes) / elapsed.Seconds()
	fmt.Fprintf(os.Stderr, "%s  %s in %s (%s/s)\n",
		remotePath,
		stats.FormatBytes(res.Bytes),
		elapsed.Round(time.Millisecond),
		stats.FormatBytes(int64(rate)))
	return nil
}

// loadSigner reads an SSH private key. Empty path means no auth.
func loadSigner(path string) (ssh.Signer, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return signer, nil
}
