package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/veritrail/veritrail/internal/ledger"
	"go.uber.org/zap"
)

// LedgerHandler exposes the ledger gateway over HTTP.
type LedgerHandler struct {
	gateway *ledger.Gateway
	logger  *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(gateway *ledger.Gateway, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{gateway: gateway, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledgers/:id")
	{
		l.POST("/entries", h.Append)
		l.GET("/entries", h.Range)
		l.GET("/entries/:seq", h.Get)
		l.GET("/tail", h.Tail)
		l.POST("/verify", h.Verify)
		l.POST("/redact", h.Redact)
		l.GET("/export", h.Export)
	}
}

type appendRequest struct {
	Action     string         `json:"action" binding:"required"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	OldValues  map[string]any `json:"old_values"`
	NewValues  map[string]any `json:"new_values"`
}

// Append handles POST /ledgers/:id/entries.
func (h *LedgerHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// nil maps stay absent; JSON "{}" arrives as an empty, present map.
	var oldValues, newValues any
	if req.OldValues != nil {
		oldValues = req.OldValues
	}
	if req.NewValues != nil {
		newValues = req.NewValues
	}

	entry, err := h.gateway.Append(c.Request.Context(), ledger.AppendRequest{
		LedgerID:   c.Param("id"),
		Action:     req.Action,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		ActorID:    req.ActorID,
		OldValues:  oldValues,
		NewValues:  newValues,
	})
	if err != nil {
		h.fail(c, "append", err)
		return
	}

	RecordLedgerAppend()
	c.JSON(http.StatusCreated, entry)
}

// Get handles GET /ledgers/:id/entries/:seq.
func (h *LedgerHandler) Get(c *gin.Context) {
	seq, ok := parseSeq(c, c.Param("seq"))
	if !ok {
		return
	}

	entry, err := h.gateway.Get(c.Request.Context(), c.Param("id"), seq)
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Range handles GET /ledgers/:id/entries?start=&end=.
func (h *LedgerHandler) Range(c *gin.Context) {
	start, ok := parseSeq(c, c.DefaultQuery("start", "0"))
	if !ok {
		return
	}
	endStr := c.Query("end")
	end := ^uint64(0)
	if endStr != "" {
		if end, ok = parseSeq(c, endStr); !ok {
			return
		}
	}

	entries, err := h.gateway.Range(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		h.fail(c, "range", err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Tail handles GET /ledgers/:id/tail.
func (h *LedgerHandler) Tail(c *gin.Context) {
	entry, err := h.gateway.Tail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "tail", err)
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "ledger is empty"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type verifyRequest struct {
	Start *uint64 `json:"start"`
	End   *uint64 `json:"end"`
}

// Verify handles POST /ledgers/:id/verify. A broken chain is a 200 with
// valid=false: detection is the successful outcome.
func (h *LedgerHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	res, err := h.gateway.Verify(c.Request.Context(), c.Param("id"), ledger.VerifyOptions{
		Start: req.Start,
		End:   req.End,
	})
	if err != nil {
		h.fail(c, "verify", err)
		return
	}

	RecordVerification(res.Valid)
	c.JSON(http.StatusOK, res)
}

type redactRequest struct {
	MatchValue  string `json:"match_value"`
	MatchField  string `json:"match_field"`
	Marker      string `json:"marker"`
	RequestedBy string `json:"requested_by" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

// Redact handles POST /ledgers/:id/redact.
func (h *LedgerHandler) Redact(c *gin.Context) {
	var req redactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var matcher ledger.Matcher
	switch {
	case req.MatchValue != "" && req.MatchField != "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide match_value or match_field, not both"})
		return
	case req.MatchValue != "":
		matcher = ledger.ValueMatcher{Value: req.MatchValue}
	case req.MatchField != "":
		matcher = ledger.FieldMatcher{Field: req.MatchField}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "match_value or match_field is required"})
		return
	}

	res, err := h.gateway.Redact(c.Request.Context(), c.Param("id"), matcher, req.Marker, ledger.RedactionRequest{
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
	})
	if err != nil {
		h.fail(c, "redact", err)
		return
	}

	RecordRedaction(res.EntriesAffected)
	c.JSON(http.StatusOK, res)
}

// Export handles GET /ledgers/:id/export?start=&end=&format=.
func (h *LedgerHandler) Export(c *gin.Context) {
	format, err := ledger.ParseExportFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, ok := parseSeq(c, c.DefaultQuery("start", "0"))
	if !ok {
		return
	}
	end := ^uint64(0)
	if endStr := c.Query("end"); endStr != "" {
		if end, ok = parseSeq(c, endStr); !ok {
			return
		}
	}

	contentType := "application/json"
	if format == ledger.FormatCSV {
		contentType = "text/csv"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", `attachment; filename="ledger-export.`+string(format)+`"`)

	if err := h.gateway.Export(c.Request.Context(), c.Writer, c.Param("id"), start, end, format); err != nil {
		// Headers may already be out; log and abort the stream.
		h.logger.Error("export stream failed",
			zap.String("ledger_id", c.Param("id")),
			zap.Error(err),
		)
		c.Abort()
	}
}

// fail maps ledger error taxonomy onto HTTP statuses.
func (h *LedgerHandler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	case errors.Is(err, ledger.ErrEncoding):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrImmutableField):
		h.logger.Error("immutable field violation", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal invariant violation"})
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		h.logger.Error("ledger unavailable", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger storage unavailable, retry with backoff"})
	default:
		h.logger.Error("ledger operation failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseSeq(c *gin.Context, s string) (uint64, bool) {
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence must be a non-negative integer"})
		return 0, false
	}
	return seq, true
}
