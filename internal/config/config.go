package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration. All engine thresholds are explicit
// fields passed into components at construction; there is no ambient state.
type Config struct {
	Port         int
	DevMode      bool
	LogLevel     string
	DatabasePath string

	// Tax rules
	WashSaleWindowDays   int     // +/- window around a loss sale
	LongTermHoldingDays  int     // holding period boundary for long-term treatment
	MinLossThreshold     float64 // minimum absolute loss to harvest, in account currency
	MaxOpportunities     int     // harvesting scan truncation
	WashSaleScorePenalty float64 // multiplicative score reduction for flagged lots, in [0,1]

	// Optimizer
	TaxLambda           float64 // weight of tax cost in the objective
	TransactionLambda   float64 // weight of turnover cost in the objective
	MaxTrackingError    float64 // default TE cap, 0 = uncapped
	ConcentrationLimit  float64 // max single-position weight
	TurnoverLimit       float64 // max sum of absolute weight changes per rebalance
	AnnualizationFactor float64 // periods per year of the factor model
	SolverBudgetSeconds int     // hard time budget for one solve
	SolverMaxIterations int

	// Rebalancing triggers
	RebalanceTEThreshold float64 // threshold-type rebalances trigger above this TE

	// Replacement search
	MaxReplacementCandidates int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnvAsInt("PORT", 8001),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DatabasePath: getEnv("DATABASE_PATH", "./data/rebalancer.db"),

		WashSaleWindowDays:   getEnvAsInt("WASH_SALE_WINDOW_DAYS", 30),
		LongTermHoldingDays:  getEnvAsInt("LONG_TERM_HOLDING_DAYS", 365),
		MinLossThreshold:     getEnvAsFloat("MIN_LOSS_THRESHOLD", 100.0),
		MaxOpportunities:     getEnvAsInt("MAX_OPPORTUNITIES", 20),
		WashSaleScorePenalty: getEnvAsFloat("WASH_SALE_SCORE_PENALTY", 0.5),

		TaxLambda:           getEnvAsFloat("TAX_LAMBDA", 1.0),
		TransactionLambda:   getEnvAsFloat("TRANSACTION_LAMBDA", 0.001),
		MaxTrackingError:    getEnvAsFloat("MAX_TRACKING_ERROR", 0),
		ConcentrationLimit:  getEnvAsFloat("CONCENTRATION_LIMIT", 0.10),
		TurnoverLimit:       getEnvAsFloat("TURNOVER_LIMIT", 0.50),
		AnnualizationFactor: getEnvAsFloat("ANNUALIZATION_FACTOR", 252),
		SolverBudgetSeconds: getEnvAsInt("SOLVER_BUDGET_SECONDS", 10),
		SolverMaxIterations: getEnvAsInt("SOLVER_MAX_ITERATIONS", 5000),

		RebalanceTEThreshold: getEnvAsFloat("REBALANCE_TE_THRESHOLD", 0.02),

		MaxReplacementCandidates: getEnvAsInt("MAX_REPLACEMENT_CANDIDATES", 5),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration invariants once at load time.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.WashSaleWindowDays < 0 {
		return fmt.Errorf("WASH_SALE_WINDOW_DAYS must be >= 0, got %d", c.WashSaleWindowDays)
	}
	if c.LongTermHoldingDays <= 0 {
		return fmt.Errorf("LONG_TERM_HOLDING_DAYS must be > 0, got %d", c.LongTermHoldingDays)
	}
	if c.WashSaleScorePenalty < 0 || c.WashSaleScorePenalty > 1 {
		return fmt.Errorf("WASH_SALE_SCORE_PENALTY must be in [0,1], got %f", c.WashSaleScorePenalty)
	}
	if c.TurnoverLimit <= 0 {
		return fmt.Errorf("TURNOVER_LIMIT must be > 0, got %f", c.TurnoverLimit)
	}
	if c.ConcentrationLimit <= 0 || c.ConcentrationLimit > 1 {
		return fmt.Errorf("CONCENTRATION_LIMIT must be in (0,1], got %f", c.ConcentrationLimit)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
