package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/diffye/ctf-backend/internal/auth"
	"github.com/diffye/ctf-backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPublishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "publish [file]",
		Short: "Publish challenge definitions and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			path := appConfig.ChallengesFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no challenge file given; pass one or set CHALLENGES_FILE")
			}

			logger, err := newLogger(appConfig)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			app, err := openCore(cmd.Context(), appConfig, logger)
			if err != nil {
				return err
			}
			defer app.close()

			return publishFile(cmd.Context(), app.catalogue, path, logger)
		},
	}
}

func newFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <flag>",
		Short: "Print the stored fingerprint of a flag under the current configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			validator, err := newValidator(appConfig)
			if err != nil {
				return err
			}
			fingerprint, err := validator.FingerprintRaw(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fingerprint)
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	command := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a chat transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.TransportSigningSecret),
				Issuer:        appConfig.TransportTokenIssuer,
				TokenTTL:      appConfig.TransportTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	command.Flags().StringVar(&subject, "subject", "", "Transport name recorded in the token")
	return command
}
