package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/theycallmek/kingshot-coordinator/internal/config"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with the account service and cache the session",
		Long: `Log in with the configured account and secret, retrying briefly on failure,
and store the session in the cache file so later runs reuse it until it expires.

A still-valid cached session is reported without logging in; use --force to
start a fresh session.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().Bool("force", false, "discard any cached session and log in again")

	return cmd
}

type loginOutput struct {
	Account   string    `json:"account"`
	ExpiresAt time.Time `json:"expires_at"`
	CacheFile string    `json:"cache_file"`
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := config.ValidateCredentials(cc.Cfg); err != nil {
		return err
	}

	_, sessions := newSessions(cc.Cfg, cc.Logger)

	if force, _ := cmd.Flags().GetBool("force"); force {
		sessions.Invalidate()
	}

	sess, err := sessions.Acquire(cmd.Context())
	if err != nil {
		return err
	}

	out := loginOutput{
		Account:   cc.Cfg.Provider.Account,
		ExpiresAt: sess.ExpiresAt,
		CacheFile: cc.Cfg.SessionCachePath(),
	}

	if cc.Flags.JSON {
		return printJSON(cmd.OutOrStdout(), out)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s, session valid until %s\n",
		out.Account, formatTime(out.ExpiresAt, time.Now()))
	cc.Statusf("Session cached in %s\n", out.CacheFile)

	return nil
}
