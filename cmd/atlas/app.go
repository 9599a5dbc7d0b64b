package main

import (
	"context"
	"fmt"

	"github.com/atlas-chat/atlas/pkg/billing"
	"github.com/atlas-chat/atlas/pkg/budget"
	"github.com/atlas-chat/atlas/pkg/config"
	"github.com/atlas-chat/atlas/pkg/fastspring"
	"github.com/atlas-chat/atlas/pkg/logger"
	"github.com/atlas-chat/atlas/pkg/metrics"
	"github.com/atlas-chat/atlas/pkg/pricing"
	"github.com/atlas-chat/atlas/pkg/store"
	"github.com/atlas-chat/atlas/pkg/tiers"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
	store   *store.SQLStore
	tiers   *tiers.Registry
	pricing *pricing.Table
	budget  *budget.Checker
	billing *billing.Service
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(ctx, store.Dialect(cfg.Database.Driver), cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	m := metrics.New()
	reg := tiers.New(cfg.Tiers)
	orders := fastspring.New(fastspring.Config{
		BaseURL:  cfg.FastSpring.BaseURL,
		Username: cfg.FastSpring.Username,
		Password: cfg.FastSpring.Password,
		Timeout:  cfg.FastSpring.Timeout,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		store:   st,
		tiers:   reg,
		pricing: pricing.New(cfg.Pricing.Default, cfg.Pricing.Models),
		budget:  budget.New(st, reg, cfg.Limits, cfg.Budget.FailurePolicy, log, m),
		billing: billing.NewService(st, reg, orders, billing.Config{
			MinimumChargeUSD: cfg.Billing.MinimumChargeUSD,
			OverageProduct:   cfg.Billing.OverageProduct,
		}, log, m),
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
	a.log.Sync()
}
