// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the identity-provider components and exposes the
// cobra command tree.
package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tasklane/identity/pkg/authserver"
)

// NewRootCmd builds the root command for the identity service.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "identity",
		Short:        "Tasklane identity provider",
		Long:         "OAuth 2.1 / OIDC identity provider for the Tasklane platform.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

// loadConfig reads the configuration from file and environment.
// Environment variables use the TASKLANE_ prefix with underscores for
// nesting (TASKLANE_STORAGE_BACKEND=redis).
func loadConfig(cmd *cobra.Command) (*authserver.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg authserver.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
