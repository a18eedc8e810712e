// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/oss-pkgstore/pkgstore/internal/pkgstore"
)

var (
	storePath   string
	registry    string
	concurrency int
	timeout     time.Duration
	verbose     bool
	ignore      []string
)

var rootCmd = &cobra.Command{
	Use:   "pkgstore [subcommand]",
	Short: "A content-addressed package store CLI",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("PKGSTORE")
		viper.AutomaticEnv()
		if storePath == "" {
			storePath = viper.GetString("store_path")
		}
		if registry == "" {
			registry = viper.GetString("registry")
		}
		return nil
	},
}

func newLogger() *zap.Logger {
	if verbose {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func newStore() (*pkgstore.Store, *zap.Logger, error) {
	logger := newLogger()
	cfg := pkgstore.Config{
		StorePath:          storePath,
		Registry:           registry,
		NetworkConcurrency: concurrency,
	}
	s, err := pkgstore.NewStore(cfg, logger)
	return s, logger, err
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <pref>",
	Short: "Resolve and materialize a single dependency into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := newStore()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		opts := pkgstore.Options{Ignore: pkgstore.BuildIgnore(ignore)}
		handle := store.ResolveAndFetch(ctx, pkgstore.WantedDependency{Pref: args[0]}, opts)
		rr, err := handle.FetchingPkg.Await(ctx)
		if err != nil {
			return err
		}
		entry, err := handle.FetchingFiles.Await(ctx)
		if err != nil {
			return err
		}
		out := struct {
			Identity string            `json:"identity"`
			Resolved string            `json:"resolvedPref"`
			Entry    pkgstore.StoreEntry `json:"entry"`
		}{string(rr.Identity), rr.NormalizedPref, entry}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <identity>",
	Short: "Print the store entry recorded for an identity, without fetching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, logger, err := newStore()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer store.Close()

		entry, ok := store.Stat(pkgstore.Identity(args[0]))
		if !ok {
			return fmt.Errorf("not found in store: %s", args[0])
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "path to the package store directory")
	rootCmd.PersistentFlags().StringVar(&registry, "registry", "https://registry.npmjs.org", "default registry base URL")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 16, "maximum concurrent network operations")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall operation timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	fetchCmd.Flags().StringArrayVar(&ignore, "ignore", nil, "glob pattern (supports **) of paths to exclude from materialization; repeatable")
	viper.BindPFlag("store_path", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("registry", rootCmd.PersistentFlags().Lookup("registry"))

	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(statCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}
