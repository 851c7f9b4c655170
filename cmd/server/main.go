package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianquant/rebalancer/internal/clients/marketdata"
	"github.com/meridianquant/rebalancer/internal/config"
	"github.com/meridianquant/rebalancer/internal/database"
	"github.com/meridianquant/rebalancer/internal/events"
	"github.com/meridianquant/rebalancer/internal/modules/benchmark"
	"github.com/meridianquant/rebalancer/internal/modules/harvesting"
	"github.com/meridianquant/rebalancer/internal/modules/optimizer"
	"github.com/meridianquant/rebalancer/internal/modules/portfolio"
	"github.com/meridianquant/rebalancer/internal/modules/rebalancing"
	"github.com/meridianquant/rebalancer/internal/modules/risk"
	"github.com/meridianquant/rebalancer/internal/modules/universe"
	"github.com/meridianquant/rebalancer/internal/scheduler"
	"github.com/meridianquant/rebalancer/internal/server"
	"github.com/meridianquant/rebalancer/pkg/logger"
)

func main() {
	// Load configuration first so the log level is honored from the start
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting tax-aware rebalancer")

	// Initialize database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Collaborators
	market := marketdata.NewSQLiteProvider(db.Conn(), log)
	bus := events.NewManager(log)

	// Repositories
	accountRepo := portfolio.NewAccountRepository(db.Conn(), log)
	lotRepo := portfolio.NewLotRepository(db.Conn(), log)
	securityRepo := universe.NewSecurityRepository(db.Conn(), log)
	benchmarkRepo := benchmark.NewRepository(db.Conn(), log)
	riskRepo := risk.NewRepository(db.Conn(), log)
	eventRepo := rebalancing.NewEventRepository(db.Conn(), log)

	// Engine components
	portfolioSvc := portfolio.NewService(lotRepo, market, log)
	estimator := risk.NewSpecificVarEstimator(market, log)
	teCalc := risk.NewTrackingErrorCalculator(cfg.AnnualizationFactor, log)
	detector := harvesting.NewWashSaleDetector(cfg.WashSaleWindowDays, nil)
	taxCalc := harvesting.NewTaxBenefitCalculator(cfg.LongTermHoldingDays)
	replacementFinder := harvesting.NewReplacementFinder(nil, log)
	finder := harvesting.NewFinder(
		harvesting.FinderConfig{
			MinLossThreshold: cfg.MinLossThreshold,
			MaxOpportunities: cfg.MaxOpportunities,
			WashSalePenalty:  cfg.WashSaleScorePenalty,
			MaxReplacements:  cfg.MaxReplacementCandidates,
		},
		portfolioSvc, lotRepo, accountRepo, securityRepo, riskRepo,
		detector, taxCalc, replacementFinder, log,
	)
	opt := optimizer.New(
		optimizer.Config{
			TaxLambda:          cfg.TaxLambda,
			TransactionLambda:  cfg.TransactionLambda,
			ConcentrationLimit: cfg.ConcentrationLimit,
			BudgetSeconds:      cfg.SolverBudgetSeconds,
			MaxIterations:      cfg.SolverMaxIterations,
		},
		optimizer.NewProjectedGradientSolver(),
		teCalc, taxCalc, log,
	)
	generator := rebalancing.NewTradeGenerator(log)
	checker := rebalancing.NewComplianceChecker(detector, cfg.TurnoverLimit, cfg.ConcentrationLimit, log)
	rebalancer := rebalancing.NewService(
		rebalancing.ServiceConfig{TEThreshold: cfg.RebalanceTEThreshold},
		accountRepo, portfolioSvc, lotRepo, securityRepo, benchmarkRepo,
		riskRepo, estimator, teCalc, finder, opt, generator, checker,
		eventRepo, bus, log,
	)

	// Scheduler and background jobs
	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	checkJob := scheduler.NewRebalanceCheckJob(accountRepo, rebalancer, bus, log)
	if err := sched.AddJob("0 0 2 * * *", checkJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register rebalance check job")
	}

	// HTTP server
	srv := server.New(server.Config{
		Port:                cfg.Port,
		Log:                 log,
		Config:              cfg,
		DevMode:             cfg.DevMode,
		PortfolioHandlers:   portfolio.NewHandlers(portfolioSvc, log),
		HarvestingHandlers:  harvesting.NewHandlers(finder, log),
		RebalancingHandlers: rebalancing.NewHandlers(rebalancer, eventRepo, log),
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
