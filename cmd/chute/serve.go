package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chute-io/chute/internal/config"
	"github.com/chute-io/chute/internal/filter"
	"github.com/chute-io/chute/internal/platform"
	"github.com/chute-io/chute/internal/server"
	"github.com/chute-io/chute/internal/stats"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve files from a directory",
	Long: `Serve files over the chute fetch protocol.

The server listens for TCP connections and moves file bytes with
sendfile(2) when the platform, the connection, and the request allow
it. Transfers that need encryption, compression, throttling, or a
digest take a pooled buffered path instead.

Add --tls to wrap the listener in TLS (a self-signed certificate is
generated when --tls-cert/--tls-key are not given) and --quic-listen
to accept QUIC sessions on a second address. With --authorized-keys,
clients must prove ownership of an SSH key listed in the given
authorized_keys file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// ruleFlag is a custom pflag.Value that preserves CLI ordering of
// --allow and --deny rules by appending to a shared filter.Chain.
type ruleFlag struct {
	chain *filter.Chain
	allow bool
}

func (*ruleFlag) String() string { return "" }
func (*ruleFlag) Type() string   { return "string" }

func (f *ruleFlag) Set(val string) error {
	if f.allow {
		return f.chain.AddAllow(val)
	}
	return f.chain.AddDeny(val)
}

var serveRules = filter.NewChain()

func init() {
	serveCmd.Flags().String("listen", ":9021", "listen address (host:port)")
	serveCmd.Flags().String("quic-listen", "", "additional QUIC listen address")
	serveCmd.Flags().String("root", ".", "root directory to serve")
	serveCmd.Flags().Bool("tls", false, "wrap the TCP listener in TLS")
	serveCmd.Flags().String("tls-cert", "", "path to TLS certificate file")
	serveCmd.Flags().String("tls-key", "", "path to TLS private key file")
	serveCmd.Flags().
		String("authorized-keys", "", "require SSH pubkey auth against this authorized_keys file")
	serveCmd.Flags().String("bwlimit", "", "bandwidth limit (e.g. 100M, 1G)")
	serveCmd.Flags().
		Var(&ruleFlag{chain: serveRules, allow: true}, "allow", "serve only files matching PATTERN (repeatable)")
	serveCmd.Flags().
		Var(&ruleFlag{chain: serveRules, allow: false}, "deny", "refuse files matching PATTERN (repeatable)")
	serveCmd.Flags().String("max-size", "", "refuse files larger than SIZE (e.g. 1G, 500M)")
	serveCmd.Flags().String("buffer-size", "", "buffered path chunk size (default 64K)")
	serveCmd.Flags().Int("idle-retry-budget", 0, "zero-progress retries before a transfer is stalled")
	serveCmd.Flags().String("min-zero-copy", "", "use the buffered path for transfers smaller than SIZE")
	serveCmd.Flags().Bool("no-zero-copy", false, "disable sendfile, always use the buffered path")
}

func runServe(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	quicListen, _ := cmd.Flags().GetString("quic-listen")
	root, _ := cmd.Flags().GetString("root")
	useTLS, _ := cmd.Flags().GetBool("tls")
	certFile, _ := cmd.Flags().GetString("tls-cert")
	keyFile, _ := cmd.Flags().GetString("tls-key")
	authorizedKeys, _ := cmd.Flags().GetString("authorized-keys")
	bwLimitStr, _ := cmd.Flags().GetString("bwlimit")
	maxSizeStr, _ := cmd.Flags().GetString("max-size")
	bufferSizeStr, _ := cmd.Flags().GetString("buffer-size")
	idleRetryBudget, _ := cmd.Flags().GetInt("idle-retry-budget")
	minZeroCopyStr, _ := cmd.Flags().GetString("min-zero-copy")
	noZeroCopy, _ := cmd.Flags().GetBool("no-zero-copy")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeDefaults(cmd, cfg, &listen, &quicListen, &root, &useTLS,
		&certFile, &keyFile, &authorizedKeys, &bwLimitStr, &maxSizeStr)
	if !cmd.Flags().Changed("buffer-size") && cfg.Engine.BufferSize != nil {
		bufferSizeStr = *cfg.Engine.BufferSize
	}
	if !cmd.Flags().Changed("idle-retry-budget") && cfg.Engine.IdleRetryBudget != nil {
		idleRetryBudget = *cfg.Engine.IdleRetryBudget
	}
	if !cmd.Flags().Changed("min-zero-copy") && cfg.Engine.MinZeroCopySize != nil {
		minZeroCopyStr = *cfg.Engine.MinZeroCopySize
	}
	if !cmd.Flags().Changed("no-zero-copy") && cfg.Engine.ZeroCopy != nil {
		noZeroCopy = !*cfg.Engine.ZeroCopy
	}

	rules := serveRules
	if rules.Empty() {
		rules = filter.NewChain()
		for _, pattern := range cfg.Serve.Allow {
			if err := rules.AddAllow(pattern); err != nil {
				return fmt.Errorf("config allow rule %q: %w", pattern, err)
			}
		}
		for _, pattern := range cfg.Serve.Deny {
			if err := rules.AddDeny(pattern); err != nil {
				return fmt.Errorf("config deny rule %q: %w", pattern, err)
			}
		}
	}
	if maxSizeStr != "" {
		n, err := filter.ParseSize(maxSizeStr)
		if err != nil {
			return fmt.Errorf("invalid --max-size: %w", err)
		}
		rules.SetMaxSize(n)
	}

	var bwLimit int64
	if bwLimitStr != "" {
		bwLimit, err = filter.ParseSize(bwLimitStr)
		if err != nil {
			return fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}
	var bufferSize int64
	if bufferSizeStr != "" {
		bufferSize, err = filter.ParseSize(bufferSizeStr)
		if err != nil {
			return fmt.Errorf("invalid --buffer-size: %w", err)
		}
	}
	var minZeroCopy int64
	if minZeroCopyStr != "" {
		minZeroCopy, err = filter.ParseSize(minZeroCopyStr)
		if err != nil {
			return fmt.Errorf("invalid --min-zero-copy: %w", err)
		}
	}

	profile := platform.Detect()
	if noZeroCopy {
		profile.ZeroCopy = false
	}

	srv, err := server.New(server.Config{
		Listen:          listen,
		QUICListen:      quicListen,
		Root:            root,
		TLS:             useTLS,
		CertFile:        certFile,
		KeyFile:         keyFile,
		AuthorizedKeys:  authorizedKeys,
		BWLimit:         bwLimit,
		Rules:           rules,
		Profile:         profile,
		Stats:           stats.NewCollector(),
		BufferSize:      int(bufferSize),
		IdleRetryBudget: idleRetryBudget,
		MinZeroCopySize: minZeroCopy,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}

// applyServeDefaults applies config file defaults for flags not
// explicitly set on the CLI.
func applyServeDefaults(
	cmd *cobra.Command,
	cfg config.Config,
	listen, quicListen, root *string,
	useTLS *bool,
	certFile, keyFile, authorizedKeys, bwLimit, maxSize *string,
) {
	serve := cfg.Serve
	if !cmd.Flags().Changed("listen") && serve.Listen != nil {
		*listen = *serve.Listen
	}
	if !cmd.Flags().Changed("quic-listen") && serve.QUICListen != nil {
		*quicListen = *serve.QUICListen
	}
	if !cmd.Flags().Changed("root") && serve.Root != nil {
		*root = *serve.Root
	}
	if !cmd.Flags().Changed("tls") && serve.TLS != nil {
		*useTLS = *serve.TLS
	}
	if !cmd.Flags().Changed("tls-cert") && serve.CertFile != nil {
		*certFile = *serve.CertFile
	}
	if !cmd.Flags().Changed("tls-key") && serve.KeyFile != nil {
		*keyFile = *serve.KeyFile
	}
	if !cmd.Flags().Changed("authorized-keys") && serve.AuthorizedKeys != nil {
		*authorizedKeys = *serve.AuthorizedKeys
	}
	if !cmd.Flags().Changed("bwlimit") && serve.BWLimit != nil {
		*bwLimit = *serve.BWLimit
	}
	if !cmd.Flags().Changed("max-size") && serve.MaxFileSize != nil {
		*maxSize = *serve.MaxFileSize
	}
}
