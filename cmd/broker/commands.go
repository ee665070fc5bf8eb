// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/QuantomDevs/QuantomOS-sub000/pkg/logging"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/config"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/credentials"
	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/providers"
)

var (
	configPath string
	logJSON    bool
)

var (
	rootCmd = &cobra.Command{
		Use:   "broker",
		Short: "Upstream session broker for the QuantomOS dashboard",
		Long: `broker keeps authenticated sessions to home-server services on behalf
of the dashboard, re-authenticates when they expire and logs them out on
shutdown.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP server",
		RunE:  runServe,
	}

	checkConfigCmd = &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and items file without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd.OutOrStdout(), configPath)
		},
	}

	encryptSecretCmd = &cobra.Command{
		Use:   "encrypt-secret [secret]",
		Short: "Encode a password or API key for the items file",
		Long: `Encodes a secret with BROKER_SECRET_KEY (or secret_key from the config
file). The secret is read from the first argument or, when absent, from the
first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return encryptSecret(cmd.InOrStdin(), cmd.OutOrStdout(), cfg.SecretKey, args)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	serveCmd.Flags().BoolVar(&logJSON, "log-json", !isatty.IsTerminal(os.Stderr.Fd()),
		"write stderr logs as JSON (default: on unless stderr is a terminal)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(encryptSecretCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		LogDir:  cfg.LogDir,
		Service: "quantom-broker",
		JSON:    logJSON,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Close()
	logger.SetDefault()

	logger.Info("Starting broker",
		"port", cfg.Port,
		"items_file", cfg.ItemsFile,
		"secret_key_present", cfg.SecretKey != "",
		"api_token_present", cfg.APIToken != "",
		"otel_endpoint", cfg.OTelEndpoint,
	)

	svc, err := broker.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return svc.Run(ctx)
}

// checkConfig loads path and the items file it names and reports every
// unusable item. It fails when the config is invalid or any item is.
func checkConfig(out io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	names := providers.NewRegistry(http.DefaultClient).Names()
	resolver, err := credentials.NewFileResolver(cfg.ItemsFile, names)
	if err != nil {
		return err
	}

	problems := resolver.Problems()
	fmt.Fprintf(out, "config: ok\nitems file: %s (%d items)\n", cfg.ItemsFile, resolver.Len())
	for _, p := range problems {
		fmt.Fprintf(out, "  - %v\n", p)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%d unusable items", len(problems))
	}
	return nil
}

// encryptSecret encodes args[0], or the first stdin line, with key.
func encryptSecret(in io.Reader, out io.Writer, key string, args []string) error {
	if key == "" {
		return errors.New("no secret key configured: set " + config.EnvSecretKey)
	}
	codec, err := credentials.NewCodec([]byte(key))
	if err != nil {
		return err
	}

	var secret string
	if len(args) > 0 {
		secret = args[0]
	} else {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read secret: %w", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		return errors.New("empty secret")
	}

	encoded, err := codec.Encode(secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, encoded)
	return nil
}
