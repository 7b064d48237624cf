package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	jwttoken "namereg/internal/jwt_token"
	"namereg/pkg/domain"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// call runs one request and prints the decoded response.
func call(cmd *cobra.Command, g *globals, method, path string, authed bool, body any) error {
	var out any
	if err := newClient(g).do(cmd.Context(), method, path, authed, body, &out); err != nil {
		return err
	}
	if out == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "ok")
		return nil
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func tokenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "token <principal>",
		Short: "Print a signed access token for a principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			principal, err := domain.ParsePrincipal(args[0])
			if err != nil {
				return err
			}
			token, err := jwttoken.NewJWTService(g.signingKey, g.issuer, g.audience).GenerateAccessToken(principal, g.ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func registerCmd(g *globals) *cobra.Command {
	var metadataURI string
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a name, staking the current cost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"name": args[0], "metadata_uri": metadataURI}
			return call(cmd, g, http.MethodPost, "/names", true, body)
		},
	}
	cmd.Flags().StringVar(&metadataURI, "metadata", "", "metadata URI stored with the name")
	return cmd
}

func destroyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <name|0xidentifier>",
		Short: "Destroy an owned name and reclaim its stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, g, http.MethodDelete, "/names/"+escape(args[0]), true, nil)
		},
	}
}

func lookupCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <name|0xidentifier>",
		Short: "Show a name's record, owner and stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, g, http.MethodGet, "/names/"+escape(args[0]), false, nil)
		},
	}
}

func availableCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "available <name>",
		Short: "Report whether a name can be registered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, g, http.MethodGet, "/names/"+escape(args[0])+"/availability", false, nil)
		},
	}
}

func namesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "names <principal>",
		Short: "List the names a principal owns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, g, http.MethodGet, "/principals/"+escape(args[0])+"/names", false, nil)
		},
	}
}

func transferCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <name> <to>",
		Short: "Transfer a name's certificate to another principal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, g, http.MethodPost, "/names/"+escape(args[0])+"/transfer", true, map[string]string{"to": args[1]})
		},
	}
}

func approveCmd(g *globals) *cobra.Command {
	var clearApproval bool
	cmd := &cobra.Command{
		Use:   "approve <name> [delegate]",
		Short: "Approve a delegate to transfer a name, or clear the approval",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			delegate := ""
			if len(args) == 2 {
				delegate = args[1]
			} else if !clearApproval {
				return fmt.Errorf("delegate is required unless --clear is set")
			}
			return call(cmd, g, http.MethodPost, "/names/"+escape(args[0])+"/approve", true, map[string]string{"delegate": delegate})
		},
	}
	cmd.Flags().BoolVar(&clearApproval, "clear", false, "clear the current approval")
	return cmd
}

func costCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cost",
		Short: "Show the current registration cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, http.MethodGet, "/cost", false, nil)
		},
	}
}

func setCostCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "set-cost <amount>",
		Short: "Change the registration cost (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return call(cmd, g, http.MethodPut, "/admin/cost", true, map[string]uint64{"cost": cost})
		},
	}
}

func pendingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show refunds waiting to be withdrawn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, http.MethodGet, "/withdrawals", true, nil)
		},
	}
}

func withdrawCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw pending refunds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, http.MethodPost, "/withdrawals", true, nil)
		},
	}
}

func statsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show live names, locked stake and cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, http.MethodGet, "/stats", false, nil)
		},
	}
}

func consistencyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "consistency",
		Short: "Run the registry consistency check (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, g, http.MethodGet, "/admin/consistency", true, nil)
		},
	}
}
