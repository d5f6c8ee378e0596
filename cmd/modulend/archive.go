package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/Modulend/core-v1/internal/app"
	"github.com/Modulend/core-v1/internal/config"
)

func enableArchive(cfg *config.Config) { cfg.Archive.Enabled = true }

func archiveCmd() *cobra.Command {
	ar := &cobra.Command{Use: "archive", Short: "Archive published Agreements to object storage"}
	ar.AddCommand(archiveRunCmd())
	ar.AddCommand(archiveGetCmd())
	return ar
}

func archiveRunCmd() *cobra.Command {
	var lookback time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Archive Agreements published within the lookback window once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), enableArchive, func(ctx context.Context, deps *app.Dependencies) error {
				if deps.Archiver == nil {
					return errors.New("archiver is not configured")
				}
				n, err := deps.Archiver.ArchiveAgreements(ctx, time.Now().Add(-lookback))
				if err != nil {
					return err
				}
				fmt.Printf("archived %d agreements\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&lookback, "lookback", 24*time.Hour, "archive Agreements published within this window")
	return cmd
}

func archiveGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <hash>",
		Short: "Load and verify an archived Agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}
			return withDeps(cmd.Context(), enableArchive, func(ctx context.Context, deps *app.Dependencies) error {
				if deps.Archiver == nil {
					return errors.New("archiver is not configured")
				}
				doc, err := deps.Archiver.Load(ctx, hash)
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
}

func pricesCmd() *cobra.Command {
	pr := &cobra.Command{Use: "prices", Short: "Manage oracle prices read by the assessor"}
	pr.AddCommand(pricesSetCmd())
	pr.AddCommand(pricesGetCmd())
	return pr
}

func pricesSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <oracle-id> <price>",
		Short: "Publish an oracle price to the shared price cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", args[1], err)
			}
			if !price.IsPositive() {
				return fmt.Errorf("price must be positive, got %s", price)
			}
			return withDeps(cmd.Context(), nil, func(ctx context.Context, deps *app.Dependencies) error {
				return deps.PriceCache.SetPrice(ctx, args[0], price, time.Now())
			})
		},
	}
}

func pricesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <oracle-id>",
		Short: "Read an oracle price from the shared price cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), nil, func(ctx context.Context, deps *app.Dependencies) error {
				price, ts, err := deps.PriceCache.GetPrice(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"oracle": args[0], "price": price.String(), "updatedAt": ts.UTC()})
				}
				fmt.Printf("%s %s (%s)\n", args[0], price.String(), ts.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
}
