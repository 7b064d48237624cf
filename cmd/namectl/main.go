// Command namectl drives a running namereg server over its HTTP API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globals struct {
	server     string
	as         string
	signingKey string
	issuer     string
	audience   string
	ttl        time.Duration
	timeout    time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "namectl",
		Short:         "Client for the namereg staked name registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&g.server, "server", envOr("NAMECTL_SERVER", "http://localhost:8080"), "namereg base URL")
	flags.StringVar(&g.as, "as", os.Getenv("NAMECTL_PRINCIPAL"), "principal to act as")
	flags.StringVar(&g.signingKey, "signing-key", envOr("NAMEREG_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"), "JWT signing key shared with the server")
	flags.StringVar(&g.issuer, "issuer", envOr("NAMEREG_JWT_ISSUER", "namereg"), "JWT issuer")
	flags.StringVar(&g.audience, "audience", envOr("NAMEREG_JWT_AUDIENCE", "namereg-api"), "JWT audience")
	flags.DurationVar(&g.ttl, "token-ttl", 5*time.Minute, "lifetime of minted tokens")
	flags.DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		tokenCmd(g),
		registerCmd(g),
		destroyCmd(g),
		lookupCmd(g),
		availableCmd(g),
		namesCmd(g),
		transferCmd(g),
		approveCmd(g),
		costCmd(g),
		setCostCmd(g),
		pendingCmd(g),
		withdrawCmd(g),
		statsCmd(g),
		consistencyCmd(g),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
