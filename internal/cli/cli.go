// Package cli provides the command-line interface for etsy-mcp.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"etsy-mcp/internal/mcp"
	"etsy-mcp/internal/oauth"
	"etsy-mcp/internal/token"
)

// Version information
const Version = "0.1.0"

// RootCmd is the root command for the CLI. Without a subcommand it serves
// tools over stdio.
var RootCmd = &cobra.Command{
	Use:          "etsy-mcp",
	Short:        "Etsy MCP server - Manage an Etsy shop from an AI assistant",
	Long:         "Serve Etsy shop, listing, shipping profile and image tools over the Model Context Protocol (stdio)",
	SilenceUsage: true,
	RunE:         runServe,
}

// Login command flags
var (
	loginNoBrowser bool
	loginTimeout   time.Duration
)

// errLoginTimeout is returned when no successful callback arrives in time.
var errLoginTimeout = errors.New("timed out waiting for authorization")

// Command definitions
var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("etsy-mcp version %s\n", Version)
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools over stdio",
		Long:  "Serve MCP tools over stdin/stdout. This is what an MCP client launches.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Authorize etsy-mcp with your Etsy account",
		Long: `Start the local callback listener, open the Etsy consent page and wait
until the authorization completes. The token is stored where the server
will find it.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the stored authorization",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored authorization",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	server := mcp.NewServer(mcp.Config{
		Version:     Version,
		Tokens:      a.tokens,
		Etsy:        a.etsy,
		Flow:        a.flow,
		OpenBrowser: oauth.OpenBrowser,
		Logger:      a.logger,
	})
	return server.Run(ctx)
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.flow.Start(ctx); err != nil {
		return fmt.Errorf("failed to start callback listener: %w", err)
	}

	cyan := color.New(color.FgCyan).SprintFunc()
	out := cmd.OutOrStdout()
	url := a.flow.AuthURL()
	fmt.Fprintf(out, "Open this URL to authorize etsy-mcp:\n  %s\n", cyan(url))
	if !loginNoBrowser {
		if err := oauth.OpenBrowser(url); err != nil {
			fmt.Fprintf(out, "Could not open a browser (%v), open the URL manually.\n", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	return waitForLogin(ctx, a.flow.Results(), out)
}

// waitForLogin reports callback results until one succeeds or ctx ends.
// Failed callbacks are printed and the wait continues, so the user can retry
// from the same URL.
func waitForLogin(ctx context.Context, results <-chan oauth.Result, out io.Writer) error {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errLoginTimeout
			}
			return ctx.Err()
		case res := <-results:
			if res.Err != nil {
				fmt.Fprintf(out, "%s %v\n", red("Authorization failed:"), res.Err)
				continue
			}
			fmt.Fprintf(out, "%s\n", green("Authorization complete."))
			if res.Record != nil && res.Record.ShopID != 0 {
				fmt.Fprintf(out, "Default shop: %s (%d)\n", res.Record.ShopName, res.Record.ShopID)
			}
			if res.ShopErr != nil {
				fmt.Fprintf(out, "%s could not look up your shop: %v\n", yellow("Warning:"), res.ShopErr)
			}
			return nil
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	printStatus(cmd.OutOrStdout(), a.tokens.Status(ctx), time.Now())
	return nil
}

// printStatus writes a status summary as aligned key/value rows.
func printStatus(out io.Writer, st token.Status, now time.Time) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	switch {
	case st.Authenticated:
		fmt.Fprintf(w, "Status:\t%s\n", green("authenticated"))
	case st.HasRecord && st.HasRefreshToken:
		fmt.Fprintf(w, "Status:\t%s\n", yellow("expired (will refresh on next use)"))
	case st.HasRecord:
		fmt.Fprintf(w, "Status:\t%s\n", red("expired (run etsy-mcp login)"))
	default:
		fmt.Fprintf(w, "Status:\t%s\n", red("not authenticated (run etsy-mcp login)"))
	}
	if st.HasRecord {
		fmt.Fprintf(w, "Expires:\t%s\n", describeExpiry(st.ExpiresAt, now))
	}
	if st.UserID != 0 {
		fmt.Fprintf(w, "User ID:\t%d\n", st.UserID)
	}
	if st.ShopID != 0 {
		fmt.Fprintf(w, "Default shop:\t%s (%d)\n", st.ShopName, st.ShopID)
	}
	if st.StorageDisabled {
		fmt.Fprintf(w, "Storage:\t%s\n", yellow("disabled, credentials are kept in memory only"))
	}
}

func describeExpiry(at, now time.Time) string {
	stamp := at.Local().Format(time.RFC3339)
	if d := at.Sub(now); d > 0 {
		return fmt.Sprintf("%s (in %s)", stamp, d.Round(time.Second))
	}
	return fmt.Sprintf("%s (%s ago)", stamp, now.Sub(at).Round(time.Second))
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.tokens.Logout(ctx); err != nil {
		return fmt.Errorf("failed to delete stored authorization: %w", err)
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintln(cmd.OutOrStdout(), green("Logged out."))
	return nil
}

// Init initializes the CLI commands and flags.
func Init() {
	RootCmd.Version = Version
	RootCmd.SetVersionTemplate("etsy-mcp version {{.Version}}\n")

	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL without opening a browser")
	loginCmd.Flags().DurationVarP(&loginTimeout, "timeout", "t", 5*time.Minute, "How long to wait for the authorization to complete")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(loginCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(logoutCmd)
}

