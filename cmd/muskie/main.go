// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// muskie is the Manta front-end API server.
package main

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/manta-io/muskie/pkg/auth"
	"github.com/manta-io/muskie/pkg/authz"
	"github.com/manta-io/muskie/pkg/mahi"
	"github.com/manta-io/muskie/pkg/moray"
	"github.com/manta-io/muskie/pkg/picker"
	"github.com/manta-io/muskie/pkg/process"
	"github.com/manta-io/muskie/pkg/sealer"
	"github.com/manta-io/muskie/pkg/webapi"
)

type config struct {
	Server    webapi.Config
	Picker    picker.Config
	Mahi      mahi.ClientConfig
	Cache     mahi.CacheConfig
	Ring      moray.RingConfig
	Databases string `help:"comma-separated bolt metadata databases, one per shard" default:"muskie.db"`
	Token     sealer.Config
	AuthToken sealer.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "muskie",
		Short: "Manta front-end API server",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the API server",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Write the initial config file",
		RunE:  cmdSetup,
	}

	runCfg   config
	setupCfg config
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	process.Bind(runCmd.Flags(), "", &runCfg)
	process.Bind(setupCmd.Flags(), "", &setupCfg)
}

func cmdRun(cmd *cobra.Command, args []string) error {
	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := process.Ctx()
	defer cancel()

	resolver := mahi.NewCachedResolver(log.Named("mahi"),
		mahi.NewClient(log.Named("mahi"), runCfg.Mahi), runCfg.Cache)

	var shards []moray.Client
	for _, filename := range strings.Split(runCfg.Databases, ",") {
		filename = strings.TrimSpace(filename)
		if filename == "" {
			continue
		}
		shard, err := moray.NewBoltStore(filename)
		if err != nil {
			return err
		}
		shards = append(shards, shard)
	}
	ring := moray.NewRing(log.Named("moray"), runCfg.Ring, shards...)
	defer func() { _ = ring.Close() }()

	pick := picker.New(log.Named("picker"), ring, runCfg.Picker, nil)
	defer func() { _ = pick.Close() }()

	server := webapi.New(log.Named("webapi"), runCfg.Server, webapi.Deps{
		Resolver:      resolver,
		Authenticator: auth.New(log.Named("auth"), resolver, runCfg.Token, runCfg.AuthToken),
		Evaluator:     authz.NewEvaluator(nil),
		Metadata:      ring,
		Picker:        pick,
		Sharks:        webapi.NewHTTPShark(log.Named("shark")),
		TokenConfig:   runCfg.Token,
	})

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pick.Run(ctx) })
	group.Go(func() error { return server.Run(ctx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error("terminated", zap.Error(err))
	}
	return err
}

func cmdSetup(cmd *cobra.Command, args []string) error {
	cfgFile, err := cmd.Flags().GetString("config")
	if err != nil {
		cfgFile = process.DefaultConfigPath(rootCmd.Name())
	}
	return process.SaveConfig(cmd.Flags(), cfgFile, nil)
}

func main() {
	process.Exec(rootCmd)
}
