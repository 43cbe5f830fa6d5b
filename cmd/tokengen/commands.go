package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/config"
)

func cmdRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "tokengen",
		Short:         "Issue development tokens and widget keys for tenantgate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(cmdSign(), cmdWidgetKey())
	return root
}

func cmdSign() *cobra.Command {
	var (
		sub     string
		email   string
		session string
		admin   bool
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a bearer token with the configured TG_TOKEN_* keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sub == "" {
				return errors.New("--sub is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			opts, err := cfg.TokenOptions()
			if err != nil {
				return err
			}
			signer, err := auth.NewTokenSigner(opts...)
			if err != nil {
				return err
			}
			tok, exp, err := signer.Sign(auth.Claims{
				SubjectID: sub,
				Email:     email,
				SessionID: session,
				IsAdmin:   admin,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&sub, "sub", "", "user id")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&session, "session", "", "session id (default: random)")
	cmd.Flags().BoolVar(&admin, "admin", false, "set the legacy is_admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func cmdWidgetKey() *cobra.Command {
	return &cobra.Command{
		Use:   "widget-key",
		Short: "Generate a strict-format widget key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.NewWidgetKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}
