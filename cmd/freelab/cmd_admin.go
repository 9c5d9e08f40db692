package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"freelab/internal/auth"
	"freelab/internal/logging"
	"freelab/internal/usage"
)

var (
	memberRole string
	tokenRole  string
	tokenTTL   time.Duration
)

// usageCmd prints a classroom's usage for the current month
var usageCmd = &cobra.Command{
	Use:   "usage [classroom-id]",
	Short: "Show a classroom's usage and quota for the current month",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Manage classroom quotas",
}

var quotaSetCmd = &cobra.Command{
	Use:   "set [classroom-id] [cents]",
	Short: "Set a classroom's monthly quota in cents",
	Args:  cobra.ExactArgs(2),
	RunE:  runQuotaSet,
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage classroom membership",
}

var membersGrantCmd = &cobra.Command{
	Use:   "grant [user-id] [classroom-id]",
	Short: "Add a user to a classroom",
	Args:  cobra.ExactArgs(2),
	RunE:  runMembersGrant,
}

// tokenCmd issues a bearer token signed with the configured secret
var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func runUsage(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(backgroundContext(cmd), timeout)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	meter := usage.NewMeter(st, st, pricingOf(cfg), cfg.Quota.DefaultCents)
	adm, err := meter.Admit(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd, adm)
}

func runQuotaSet(cmd *cobra.Command, args []string) error {
	cents, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || cents < 0 {
		return fmt.Errorf("cents must be a non-negative integer, got %q", args[1])
	}

	ctx, cancel := context.WithTimeout(backgroundContext(cmd), timeout)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetQuotaCents(ctx, args[0], cents); err != nil {
		return err
	}
	logging.Quota("quota for %s set to %d cents", args[0], cents)
	fmt.Fprintf(cmd.OutOrStdout(), "quota for %s set to %d cents\n", args[0], cents)
	return nil
}

func runMembersGrant(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(backgroundContext(cmd), timeout)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.GrantMembership(ctx, args[0], args[1], memberRole); err != nil {
		return err
	}
	logging.Auth("granted %s membership of %s (%s)", args[0], args[1], memberRole)
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now a %s of %s\n", args[0], memberRole, args[1])
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	jwt, err := auth.NewJWTProvider(cfg.Auth.JWTSecret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		return fmt.Errorf("%w (set auth.jwt_secret or FREELAB_JWT_SECRET)", err)
	}
	tok, err := jwt.Issue(args[0], tokenRole, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
