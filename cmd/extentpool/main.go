package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/extentpool"
	"github.com/outofforest/extentpool/config"
	"github.com/outofforest/extentpool/lifecycle"
	"github.com/outofforest/extentpool/persistent"
	"github.com/outofforest/extentpool/types"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const storeSize = 4096

type flags struct {
	ConfigFile string
	StoreFile  string
	PoolID     uint32
	Width      uint32
	Generation uint64
	Passive    bool
	ParkDelay  time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "extentpool",
		Short: "Brings extent pool up from configuration",
		Long: `extentpool reads pool membership from the configuration file, drives the pool
through metadata initialization and reports exported capacity once it is ready.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(logger.WithLogger(ctx, logger.New(logger.DefaultConfig)), f)
		},
	}

	cmd.PersistentFlags().StringVarP(&f.ConfigFile, "config", "c", "extentpool.yaml", "path to the config file")
	cmd.PersistentFlags().StringVar(&f.StoreFile, "store", "extentpool.meta", "path to the non-paged metadata file")
	cmd.PersistentFlags().Uint32Var(&f.PoolID, "pool", 1, "id of the pool")
	cmd.PersistentFlags().Uint32Var(&f.Width, "width", 0, "number of member disks to wait for, 0 accepts any")
	cmd.PersistentFlags().Uint64Var(&f.Generation, "generation", 1, "generation number of the pool")
	cmd.PersistentFlags().BoolVar(&f.Passive, "passive", false, "run as passive SP")
	cmd.PersistentFlags().DurationVar(&f.ParkDelay, "park-interval", lifecycle.DefaultParkInterval,
		"delay before parked lifecycle condition is evaluated again, negative waits for manual kick")
	return cmd
}

func run(ctx context.Context, f flags) error {
	log := logger.Get(ctx)

	db, err := config.LoadFile(f.ConfigFile)
	if err != nil {
		return err
	}

	store, closeFunc, err := persistent.OpenFileStore(f.StoreFile, storeSize)
	if err != nil {
		return err
	}
	defer closeFunc()

	role := lifecycle.RoleActive
	if f.Passive {
		role = lifecycle.RolePassive
	}

	o, err := extentpool.New(extentpool.Config{
		PoolID:       types.PoolID(f.PoolID),
		Role:         role,
		Geometry:     db.Geometry(),
		Database:     db,
		Store:        store,
		ParkInterval: f.ParkDelay,
	})
	if err != nil {
		return err
	}
	if err := o.SetConfiguration(f.Width, f.Generation); err != nil {
		return err
	}

	spID := uuid.New()
	log.Info("Starting SP", zap.Stringer("spID", spID), zap.Stringer("role", role))

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("object", parallel.Fail, o.Run)
		spawn("reporter", parallel.Continue, func(ctx context.Context) error {
			waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()

			if err := o.WaitReady(waitCtx); err != nil {
				status := o.Status()
				log.Warn("Pool is not ready", zap.Stringer("state", status.State), zap.Error(status.Reason))
				return nil
			}
			log.Info("Pool ready",
				zap.Uint32("width", o.Pool().Width()),
				zap.Uint64("totalSlices", o.Pool().TotalSlices()),
				zap.Uint64("exportedCapacity", o.Pool().ExportedCapacity()))
			for i, d := range o.Pool().Disks() {
				position := uint8(i)
				fields := []zap.Field{zap.Uint8("position", position), zap.Uint64("disk", uint64(d.Ref)),
					zap.Uint64("capacity", d.Capacity), zap.Int("slices", len(d.Slices))}
				if free, ok := o.Pool().NextFreeDiskSlice(position); ok {
					fields = append(fields, zap.Stringer("nextFreeSlice", free))
				}
				log.Info("Member disk", fields...)
			}
			return nil
		})
		return nil
	})
	if closeErr := o.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
