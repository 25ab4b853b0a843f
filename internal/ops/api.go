package ops

import (
	"net/http"

	"main/internal/gate"
	"main/internal/group"
	"main/internal/intent"
	"main/internal/ledger"
	"main/internal/obs"
	"main/internal/risk"
	"main/internal/schema"

	"github.com/gin-gonic/gin"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// GinHandlers exposes the operator surface: observe the engine, move
// the trading mode, and submit order groups. Mode changes through this
// API follow the same monotonic rule as internal triggers; only reset
// can loosen.
type GinHandlers struct {
	guard      *risk.Guard
	metrics    *obs.Metrics
	ledger     *ledger.Ledger
	executor   *group.Executor
	minEdgeUSD float64
}

func NewGinHandlers(guard *risk.Guard, metrics *obs.Metrics, l *ledger.Ledger, executor *group.Executor, minEdgeUSD float64) *GinHandlers {
	return &GinHandlers{
		guard:      guard,
		metrics:    metrics,
		ledger:     l,
		executor:   executor,
		minEdgeUSD: minEdgeUSD,
	}
}

// SetupRoutes registers the operator endpoints.
func SetupRoutes(router *gin.Engine, h *GinHandlers) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", h.StatusHandler())
		v1.GET("/intents/:label", h.IntentHandler())
		v1.POST("/groups", h.GroupHandler())

		mode := v1.Group("/mode")
		{
			mode.POST("/kill", h.KillHandler())
			mode.POST("/reduce-only", h.ReduceOnlyHandler())
			mode.POST("/reset", h.ResetHandler())
		}
	}
}

func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mode":    h.guard.Mode().String(),
			"latches": h.guard.Latches(),
			"metrics": h.metrics.Snapshot(),
		})
	}
}

type modeRequest struct {
	Cause string `json:"cause" binding:"required"`
}

func (h *GinHandlers) KillHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req modeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cause is required"})
			return
		}

		h.guard.Tighten(schema.ModeKill, req.Cause)
		logs.Infof("operator kill: %s", req.Cause)
		c.JSON(http.StatusOK, gin.H{"mode": h.guard.Mode().String()})
	}
}

func (h *GinHandlers) ReduceOnlyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req modeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cause is required"})
			return
		}

		h.guard.Tighten(schema.ModeReduceOnly, req.Cause)
		logs.Infof("operator reduce-only: %s", req.Cause)
		c.JSON(http.StatusOK, gin.H{"mode": h.guard.Mode().String()})
	}
}

type resetRequest struct {
	Operator string `json:"operator" binding:"required"`
}

func (h *GinHandlers) ResetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "operator is required"})
			return
		}

		h.guard.ResetActive(req.Operator)
		logs.Infof("operator reset to active: %s", req.Operator)
		c.JSON(http.StatusOK, gin.H{"mode": h.guard.Mode().String()})
	}
}

type groupLegRequest struct {
	Instrument string  `json:"instrument" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	Class      string  `json:"class" binding:"required"`
	Qty        float64 `json:"qty" binding:"required"`
	Price      float64 `json:"price" binding:"required"`
	Marketable bool    `json:"marketable"`
	PostOnly   bool    `json:"postOnly"`

	Edge *groupEdgeRequest `json:"edge"`
}

type groupEdgeRequest struct {
	GrossUSD    float64 `json:"grossUsd"`
	FeeUSD      float64 `json:"feeUsd"`
	SlippageUSD float64 `json:"slippageUsd"`
}

type groupRequest struct {
	Legs []groupLegRequest `json:"legs" binding:"required,min=1,dive"`
}

type groupLegResponse struct {
	Label     string  `json:"label"`
	State     string  `json:"state"`
	FilledQty float64 `json:"filledQty"`
	Rescues   int     `json:"rescues"`
}

type groupResponse struct {
	GroupID         string             `json:"groupId"`
	Completed       bool               `json:"completed"`
	EmergencyClosed bool               `json:"emergencyClosed"`
	Legs            []groupLegResponse `json:"legs"`
	Error           string             `json:"error,omitempty"`
}

func sideFromString(s string) (schema.Side, bool) {
	switch s {
	case "buy":
		return schema.SideBuy, true
	case "sell":
		return schema.SideSell, true
	default:
		return schema.SideUnknown, false
	}
}

func classFromString(s string) (schema.IntentClass, bool) {
	switch s {
	case "open":
		return schema.ClassOpen, true
	case "close":
		return schema.ClassClose, true
	case "hedge":
		return schema.ClassHedge, true
	default:
		return schema.ClassUnknown, false
	}
}

func (h *GinHandlers) buildLegs(req groupRequest) ([]group.LegSpec, error) {
	legs := make([]group.LegSpec, 0, len(req.Legs))
	for i, leg := range req.Legs {
		side, ok := sideFromString(leg.Side)
		if !ok {
			return nil, errors.Errorf("leg %d: unknown side %q", i, leg.Side)
		}
		class, ok := classFromString(leg.Class)
		if !ok {
			return nil, errors.Errorf("leg %d: unknown class %q", i, leg.Class)
		}

		spec := group.LegSpec{
			Signal: intent.Signal{
				Instrument: leg.Instrument,
				Side:       side,
				OrderType:  schema.OrderTypeLimit,
				Class:      class,
				RawQty:     leg.Qty,
				RawPrice:   leg.Price,
				PostOnly:   leg.PostOnly,
			},
			Marketable: leg.Marketable,
		}
		if leg.Edge != nil {
			gross, fee, slip, min := leg.Edge.GrossUSD, leg.Edge.FeeUSD, leg.Edge.SlippageUSD, h.minEdgeUSD
			spec.Edge = gate.EdgeInput{
				GrossEdgeUSD:        &gross,
				FeeUSD:              &fee,
				ExpectedSlippageUSD: &slip,
				MinEdgeUSD:          &min,
			}
		}
		legs = append(legs, spec)
	}
	return legs, nil
}

// GroupHandler executes a multi-leg order group synchronously and
// reports where every leg ended up.
func (h *GinHandlers) GroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.executor == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "executor unavailable"})
			return
		}

		var req groupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		legs, err := h.buildLegs(req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		result, execErr := h.executor.Execute(c.Request.Context(), legs)
		resp := groupResponse{
			GroupID:         result.GroupID,
			Completed:       result.Completed,
			EmergencyClosed: result.EmergencyClosed,
			Legs:            make([]groupLegResponse, 0, len(result.Legs)),
		}
		for _, leg := range result.Legs {
			resp.Legs = append(resp.Legs, groupLegResponse{
				Label:     leg.Label,
				State:     leg.State.String(),
				FilledQty: leg.FilledQty,
				Rescues:   leg.Rescues,
			})
		}

		switch {
		case execErr == nil:
			c.JSON(http.StatusOK, resp)
		case errors.Is(execErr, group.ErrGroupAborted):
			resp.Error = execErr.Error()
			c.JSON(http.StatusConflict, resp)
		default:
			resp.Error = execErr.Error()
			logs.Errorf("group %s failed: %v", result.GroupID, execErr)
			c.JSON(http.StatusInternalServerError, resp)
		}
	}
}

type intentResponse struct {
	Label     string  `json:"label"`
	IntentID  uint64  `json:"intentId"`
	State     string  `json:"state"`
	Sent      bool    `json:"sent"`
	OrderID   string  `json:"orderId,omitempty"`
	FilledQty float64 `json:"filledQty"`
	AvgPrice  float64 `json:"avgPrice"`
}

func (h *GinHandlers) IntentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		label := c.Param("label")
		rec, ok := h.ledger.GetByLabel(label)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown label"})
			return
		}

		c.JSON(http.StatusOK, intentResponse{
			Label:     rec.Intent.Label,
			IntentID:  rec.Intent.IntentID,
			State:     rec.State.String(),
			Sent:      rec.Sent(),
			OrderID:   rec.OrderID,
			FilledQty: rec.FilledQty,
			AvgPrice:  rec.AvgPrice,
		})
	}
}
