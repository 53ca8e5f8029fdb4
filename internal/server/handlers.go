package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
)

// VerticalView is a registry entry as served to clients.
type VerticalView struct {
	Key                  string   `json:"key"`
	Label                string   `json:"label"`
	EntitlementKeyField  string   `json:"entitlement_key_field"`
	UnlockOperation      string   `json:"unlock_operation"`
	UnlockOperationParam string   `json:"unlock_operation_param"`
	UnitCost             int64    `json:"unit_cost"`
	RestrictedFields     []string `json:"restricted_fields"`
}

// UnlockRequest is the body of an unlock or quote call.
type UnlockRequest struct {
	RecordIDs []string `json:"record_ids"`
}

// CreditRequest is the body of an admin credit adjustment.
type CreditRequest struct {
	AccountID string `json:"account_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
}

// RecordsResponse lists records of one vertical.
type RecordsResponse struct {
	VerticalKey string          `json:"vertical_key"`
	Records     []domain.Record `json:"records"`
	Count       int             `json:"count"`
}

// BalanceResponse is the caller's balance.
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// LedgerResponse is the caller's ledger.
type LedgerResponse struct {
	AccountID string               `json:"account_id"`
	Entries   []domain.LedgerEntry `json:"entries"`
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.svc.Ping(c.Request.Context()); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) view(d registry.Descriptor) VerticalView {
	cost, _ := s.svc.UnitCost(d.Key)
	return VerticalView{
		Key:                  d.Key,
		Label:                d.Label,
		EntitlementKeyField:  d.EntitlementKeyField,
		UnlockOperation:      d.UnlockOperation,
		UnlockOperationParam: d.UnlockOperationParam,
		UnitCost:             cost,
		RestrictedFields:     d.RestrictedFields,
	}
}

func (s *Server) handleVerticals(c *gin.Context) {
	all := s.svc.Verticals()
	views := make([]VerticalView, 0, len(all))
	for _, d := range all {
		views = append(views, s.view(d))
	}
	c.JSON(http.StatusOK, gin.H{"verticals": views})
}

func (s *Server) handleVertical(c *gin.Context) {
	d, err := s.svc.Registry().Lookup(c.Param("key"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.view(d))
}

func (s *Server) handleRecords(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.svc.Records(c.Request.Context(), accountOf(c), c.Param("key"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	d, _ := s.svc.Registry().Lookup(c.Param("key"))
	c.JSON(http.StatusOK, RecordsResponse{VerticalKey: d.Key, Records: recs, Count: len(recs)})
}

func (s *Server) handleEntitlements(c *gin.Context) {
	ents, err := s.svc.Entitlements(c.Request.Context(), accountOf(c), c.Param("key"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ents)
}

func (s *Server) handleUnlock(c *gin.Context) {
	var req UnlockRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.svc.Unlock(c.Request.Context(), accountOf(c), c.Param("key"), req.RecordIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleQuote(c *gin.Context) {
	var req UnlockRequest
	if !s.bind(c, &req) {
		return
	}
	q, err := s.svc.Quote(c.Request.Context(), accountOf(c), c.Param("key"), req.RecordIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

// handleRPC serves the legacy named unlock operations, whose body is
// {"<unlock_operation_param>": [ids...]}.
func (s *Server) handleRPC(c *gin.Context) {
	d, err := s.svc.Registry().ByOperation(c.Param("operation"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	var body map[string]json.RawMessage
	if !s.bind(c, &body) {
		return
	}
	raw, ok := body[d.UnlockOperationParam]
	if !ok {
		badRequest(c, fmt.Sprintf("missing parameter %q", d.UnlockOperationParam))
		return
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		badRequest(c, fmt.Sprintf("parameter %q must be an array of strings", d.UnlockOperationParam))
		return
	}

	res, err := s.svc.UnlockByOperation(c.Request.Context(), accountOf(c), d.UnlockOperation, ids)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleBalance(c *gin.Context) {
	balance, err := s.svc.Balance(c.Request.Context(), accountOf(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{AccountID: accountOf(c), Balance: balance})
}

func (s *Server) handleLedger(c *gin.Context) {
	entries, err := s.svc.Ledger(c.Request.Context(), accountOf(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, LedgerResponse{AccountID: accountOf(c), Entries: entries})
}

func (s *Server) handleCredit(c *gin.Context) {
	var req CreditRequest
	if !s.bind(c, &req) {
		return
	}
	entry, err := s.svc.Credit(c.Request.Context(), req.AccountID, req.Delta, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// bind decodes a size-limited JSON body into v, answering 400 on failure.
func (s *Server) bind(c *gin.Context, v any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
