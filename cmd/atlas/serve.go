package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atlas-chat/atlas/pkg/auth"
	"github.com/atlas-chat/atlas/pkg/billing"
	"github.com/atlas-chat/atlas/pkg/chat"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Atlas API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			verifier := auth.NewVerifier(auth.Config{
				JWTSecret: a.cfg.Auth.JWTSecret,
				CacheTTL:  a.cfg.Auth.TokenCacheTTL,
			}, auth.NewSupabaseRemote(a.cfg.Auth.SupabaseURL, a.cfg.Auth.SupabaseServiceKey), a.log)

			if a.cfg.Billing.Enabled {
				sched, err := billing.NewScheduler(a.billing, a.cfg.Billing.Schedule, a.log)
				if err != nil {
					return err
				}
				sched.Start(ctx)
				defer sched.Stop()
			}

			srv := chat.New(a.cfg, chat.Deps{
				Store:    a.store,
				Tiers:    a.tiers,
				Pricing:  a.pricing,
				Budget:   a.budget,
				Billing:  a.billing,
				Verifier: verifier,
				Metrics:  a.metrics,
				Logger:   a.log,
			})

			a.log.Infow("starting atlas", "config", *configPath, "database", a.cfg.Database.Driver, "billing", a.cfg.Billing.Enabled)
			return srv.ListenAndServe(ctx)
		},
	}
}
