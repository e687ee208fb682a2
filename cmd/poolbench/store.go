package main

import (
	"context"
	"fmt"

	"github.com/flowgrid/blockpool/pkg/config"
	"github.com/flowgrid/blockpool/pkg/store/block"
	"github.com/flowgrid/blockpool/pkg/store/block/badger"
	"github.com/flowgrid/blockpool/pkg/store/block/disk"
	"github.com/flowgrid/blockpool/pkg/store/block/memory"
	"github.com/flowgrid/blockpool/pkg/store/block/s3"
)

// buildStore constructs the backing store selected by the configuration.
func buildStore(ctx context.Context, sc config.StoreConfig) (block.Store, error) {
	switch sc.Type {
	case "memory":
		return memory.New(), nil

	case "disk":
		var cfg disk.Config
		if err := sc.DecodeOptions(&cfg); err != nil {
			return nil, err
		}
		return disk.New(cfg)

	case "s3":
		var cfg s3.Config
		if err := sc.DecodeOptions(&cfg); err != nil {
			return nil, err
		}
		return s3.NewFromConfig(ctx, cfg)

	case "badger":
		var cfg badger.Config
		if err := sc.DecodeOptions(&cfg); err != nil {
			return nil, err
		}
		return badger.Open(cfg)

	default:
		return nil, fmt.Errorf("unknown store type %q", sc.Type)
	}
}
