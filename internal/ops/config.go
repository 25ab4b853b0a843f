package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"main/internal/gate"
	"main/internal/group"
	"main/internal/risk"

	"github.com/yanun0323/decimal"
)

// FileConfig mirrors the JSON config layout. Monetary thresholds are
// decimal strings so operators state them exactly.
type FileConfig struct {
	StrategyID  string          `json:"strategyId"`
	LedgerPath  string          `json:"ledgerPath"`
	Instruments []string        `json:"instruments"`
	Gate        GateConfig      `json:"gate"`
	Edge        EdgeConfig      `json:"edge"`
	Rescue      RescueConfig    `json:"rescue"`
	Risk        RiskConfig      `json:"risk"`
	Feed        FeedConfig      `json:"feed"`
	Reconcile   ReconcileConfig `json:"reconcile"`
	API         APIConfig       `json:"api"`
	Archive     ArchiveConfig   `json:"archive"`
	Profile     ProfileConfig   `json:"profile"`
}

// GateConfig bounds the liquidity gate and order-shape capabilities.
type GateConfig struct {
	MaxSlippageBps    float64 `json:"maxSlippageBps"`
	BookMaxAgeMs      int64   `json:"bookMaxAgeMs"`
	AllowLinkedOrders bool    `json:"allowLinkedOrders"`
}

// EdgeConfig sets the economic floor for exposure-increasing intents.
type EdgeConfig struct {
	MinEdgeUSD decimal.Decimal `json:"minEdgeUsd"`
}

// RescueConfig bounds failed-leg remediation.
type RescueConfig struct {
	BackoffMs        int64 `json:"backoffMs"`
	CrossSpreadTicks int64 `json:"crossSpreadTicks"`
}

// RiskConfig bounds the automated tightening triggers. A zero
// maxDrawdownUsd disables the drawdown trigger; the error storm trigger
// is always on.
type RiskConfig struct {
	ErrorRateLimit    int             `json:"errorRateLimit"`
	ErrorRateWindowMs int64           `json:"errorRateWindowMs"`
	MaxDrawdownUSD    decimal.Decimal `json:"maxDrawdownUsd"`
}

// FeedConfig bounds market data freshness.
type FeedConfig struct {
	MetaTTLSeconds int64 `json:"metaTtlSeconds"`
}

// ReconcileConfig paces the periodic venue sweep.
type ReconcileConfig struct {
	IntervalMs int64 `json:"intervalMs"`
}

// APIConfig describes the operator endpoint.
type APIConfig struct {
	ListenAddr string `json:"listenAddr"`
}

// ArchiveConfig is the optional postgres sink for terminal records.
type ArchiveConfig struct {
	DSN string `json:"dsn"`
}

// ProfileConfig is the optional continuous profiler.
type ProfileConfig struct {
	ServerAddress string `json:"serverAddress"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	StrategyID  string
	LedgerPath  string
	Instruments []string

	Gate       gate.Config
	MinEdgeUSD float64
	Rescue     group.Config
	Trigger    risk.TriggerConfig

	MetaTTL           time.Duration
	ReconcileInterval time.Duration

	ListenAddr  string
	ArchiveDSN  string
	ProfileAddr string
}

// Load reads a JSON config file and validates it. An invalid or
// incomplete config is an error, never a default: a trading engine must
// not start on guessed parameters.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	if cfg.StrategyID == "" {
		return Loaded{}, fmt.Errorf("strategyId is empty")
	}
	if cfg.LedgerPath == "" {
		return Loaded{}, fmt.Errorf("ledgerPath is empty")
	}
	if len(cfg.Instruments) == 0 {
		return Loaded{}, fmt.Errorf("instruments is empty")
	}
	for _, instrument := range cfg.Instruments {
		if instrument == "" {
			return Loaded{}, fmt.Errorf("instruments contains an empty entry")
		}
	}
	if cfg.Gate.MaxSlippageBps <= 0 {
		return Loaded{}, fmt.Errorf("gate.maxSlippageBps must be > 0")
	}
	if cfg.Gate.BookMaxAgeMs <= 0 {
		return Loaded{}, fmt.Errorf("gate.bookMaxAgeMs must be > 0")
	}
	minEdge, err := decimalValue(cfg.Edge.MinEdgeUSD)
	if err != nil {
		return Loaded{}, fmt.Errorf("edge.minEdgeUsd: %w", err)
	}
	if minEdge < 0 {
		return Loaded{}, fmt.Errorf("edge.minEdgeUsd must be >= 0")
	}
	if cfg.Rescue.BackoffMs < 0 {
		return Loaded{}, fmt.Errorf("rescue.backoffMs must be >= 0")
	}
	if cfg.Rescue.CrossSpreadTicks <= 0 {
		return Loaded{}, fmt.Errorf("rescue.crossSpreadTicks must be > 0")
	}
	if cfg.Risk.ErrorRateLimit <= 0 {
		return Loaded{}, fmt.Errorf("risk.errorRateLimit must be > 0")
	}
	if cfg.Risk.ErrorRateWindowMs <= 0 {
		return Loaded{}, fmt.Errorf("risk.errorRateWindowMs must be > 0")
	}
	maxDrawdown, err := decimalValue(cfg.Risk.MaxDrawdownUSD)
	if err != nil {
		return Loaded{}, fmt.Errorf("risk.maxDrawdownUsd: %w", err)
	}
	if maxDrawdown < 0 {
		return Loaded{}, fmt.Errorf("risk.maxDrawdownUsd must be >= 0")
	}
	if cfg.Feed.MetaTTLSeconds <= 0 {
		return Loaded{}, fmt.Errorf("feed.metaTtlSeconds must be > 0")
	}
	if cfg.Reconcile.IntervalMs <= 0 {
		return Loaded{}, fmt.Errorf("reconcile.intervalMs must be > 0")
	}
	if cfg.API.ListenAddr == "" {
		return Loaded{}, fmt.Errorf("api.listenAddr is empty")
	}

	return Loaded{
		StrategyID:  cfg.StrategyID,
		LedgerPath:  cfg.LedgerPath,
		Instruments: cfg.Instruments,
		Gate: gate.Config{
			MaxSlippageBps:    cfg.Gate.MaxSlippageBps,
			BookMaxAge:        time.Duration(cfg.Gate.BookMaxAgeMs) * time.Millisecond,
			AllowLinkedOrders: cfg.Gate.AllowLinkedOrders,
		},
		MinEdgeUSD: minEdge,
		Rescue: group.Config{
			RescueBackoff:          time.Duration(cfg.Rescue.BackoffMs) * time.Millisecond,
			RescueCrossSpreadTicks: cfg.Rescue.CrossSpreadTicks,
		},
		Trigger: risk.TriggerConfig{
			ErrorRateLimit:  cfg.Risk.ErrorRateLimit,
			ErrorRateWindow: time.Duration(cfg.Risk.ErrorRateWindowMs) * time.Millisecond,
			MaxDrawdownUSD:  maxDrawdown,
		},
		MetaTTL:           time.Duration(cfg.Feed.MetaTTLSeconds) * time.Second,
		ReconcileInterval: time.Duration(cfg.Reconcile.IntervalMs) * time.Millisecond,
		ListenAddr:        cfg.API.ListenAddr,
		ArchiveDSN:        cfg.Archive.DSN,
		ProfileAddr:       cfg.Profile.ServerAddress,
	}, nil
}

func decimalValue(d decimal.Decimal) (float64, error) {
	return strconv.ParseFloat(fmt.Sprint(d), 64)
}
