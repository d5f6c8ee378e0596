package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Modulend/core-v1/internal/app"
	"github.com/Modulend/core-v1/internal/config"
	"github.com/Modulend/core-v1/internal/domain"
)

// withDeps wires the configured backends for a one-shot command.
func withDeps(ctx context.Context, prepare func(*config.Config), fn func(ctx context.Context, deps *app.Dependencies) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if prepare != nil {
		prepare(cfg)
	}
	deps, cleanup, err := app.Wire(ctx, cfg, newLogger(cfg.LogLevel))
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, deps)
}

func agreementsCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agreements", Short: "Inspect and act on published Agreements"}
	ag.AddCommand(agreementsListCmd())
	ag.AddCommand(agreementsShowCmd())
	ag.AddCommand(agreementsFillCmd())
	ag.AddCommand(agreementsKickCmd())
	ag.AddCommand(agreementsExitCmd())
	return ag
}

func agreementsListCmd() *cobra.Command {
	var (
		limit, offset int
		since         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List published Agreements, newest last",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), nil, func(ctx context.Context, deps *app.Dependencies) error {
				opts := domain.ListOpts{Limit: limit, Offset: offset}
				if since > 0 {
					t := time.Now().Add(-since)
					opts.Since = &t
				}
				items, err := deps.Agreements.ListAgreements(ctx, opts)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(items)
				}

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Hash", "Published", "Loan Asset", "Loan", "Collateral", "Position"})
				for _, p := range items {
					a, _, err := deps.Agreements.Agreement(ctx, p.Signed.BlueprintHash)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{
						p.Signed.BlueprintHash.Hex(),
						time.Unix(p.PublishedAt, 0).UTC().Format(time.RFC3339),
						a.LoanAsset.Hex(),
						a.LoanAmount.String(),
						a.CollateralAmount.String(),
						a.PositionAddr.Hex(),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().DurationVar(&since, "since", 0, "only Agreements published within this window")
	return cmd
}

func agreementsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <hash>",
		Short: "Show one published Agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}
			return withDeps(cmd.Context(), nil, func(ctx context.Context, deps *app.Dependencies) error {
				a, p, err := deps.Agreements.Agreement(ctx, hash)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"hash":        hash,
					"agreement":   a,
					"signed":      p.Signed,
					"publishedAt": p.PublishedAt,
				})
			})
		},
	}
}

func agreementsFillCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "fill <order.json> <fill.json>",
		Short: "Fill a signed Order on a running server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				order domain.SignedBlueprint
				fill  domain.Fill
			)
			if err := readJSONFile(args[0], &order); err != nil {
				return err
			}
			if err := readJSONFile(args[1], &fill); err != nil {
				return err
			}
			return api.post(cmd, "/api/v1/orders/fill", map[string]any{"order": order, "fill": fill})
		},
	}
	api.register(cmd)
	return cmd
}

func agreementsKickCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "kick <hash>",
		Short: "Kick an unhealthy Agreement to its liquidator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}
			return api.post(cmd, "/api/v1/agreements/kick", map[string]any{"hash": hash})
		},
	}
	api.register(cmd)
	return cmd
}

func agreementsExitCmd() *cobra.Command {
	var api apiFlags
	cmd := &cobra.Command{
		Use:   "exit <hash>",
		Short: "Exit the position of an Agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := parseHash(args[0])
			if err != nil {
				return err
			}
			return api.post(cmd, "/api/v1/agreements/exit", map[string]any{"hash": hash})
		},
	}
	api.register(cmd)
	return cmd
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDeps(cmd.Context(), nil, func(ctx context.Context, deps *app.Dependencies) error {
				entries, err := deps.AuditStore.List(ctx, domain.ListOpts{Limit: limit})
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Event", "Detail"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.CreatedAt.UTC().Format(time.RFC3339), e.Event, fmt.Sprint(e.Detail)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func parseHash(s string) (common.Hash, error) {
	if len(s) != 66 || s[:2] != "0x" {
		return common.Hash{}, fmt.Errorf("invalid hash %q", s)
	}
	var h common.Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return h, nil
}
