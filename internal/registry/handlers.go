package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/cwcrypto/arwen-escrow/internal/sigcheck"
	"github.com/cwcrypto/arwen-escrow/internal/validation"
)

// Creator sets up a new escrow end to end: derives a handle, constructs the
// asset holder and registers the record. Implemented by the factory.
type Creator interface {
	CreateEscrow(ctx context.Context, req CreateRequest) (*Escrow, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Asset           string `json:"asset"` // "eth", "token" or "memory"
	TokenAddress    string `json:"tokenAddress,omitempty"`
	Amount          string `json:"amount" binding:"required"`
	Timelock        int64  `json:"timelock" binding:"required"`
	EscrowerReserve string `json:"escrowerReserve" binding:"required"`
	EscrowerTrade   string `json:"escrowerTrade" binding:"required"`
	EscrowerRefund  string `json:"escrowerRefund" binding:"required"`
	PayeeReserve    string `json:"payeeReserve" binding:"required"`
	PayeeTrade      string `json:"payeeTrade" binding:"required"`
}

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	creator Creator
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, creator Creator) *Handler {
	return &Handler{service: service, creator: creator}
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows/:handle", h.GetEscrow)
	r.GET("/escrows/:handle/puzzle", h.GetPuzzle)
	r.POST("/escrows/:handle/open", h.OpenEscrow)
	r.POST("/escrows/:handle/cashout", h.Cashout)
	r.POST("/escrows/:handle/refund", h.Refund)
	r.POST("/escrows/:handle/force-refund", h.ForceRefund)
	r.POST("/escrows/:handle/puzzle", h.PostPuzzle)
	r.POST("/escrows/:handle/puzzle/solve", h.SolvePuzzle)
	r.POST("/escrows/:handle/puzzle/refund", h.RefundPuzzle)
	r.POST("/escrows/:handle/withdraw", h.Withdraw)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	for field, addr := range map[string]string{
		"escrowerReserve": req.EscrowerReserve,
		"escrowerTrade":   req.EscrowerTrade,
		"escrowerRefund":  req.EscrowerRefund,
		"payeeReserve":    req.PayeeReserve,
		"payeeTrade":      req.PayeeTrade,
	} {
		if !validation.IsValidEthAddress(addr) {
			badRequest(c, "Invalid address in field "+field)
			return
		}
	}
	if _, ok := parseAmount(req.Amount); !ok {
		badRequest(c, "Invalid amount")
		return
	}

	e, err := h.creator.CreateEscrow(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, escrowResponse(e))
}

// GetEscrow handles GET /v1/escrows/:handle
func (h *Handler) GetEscrow(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	e, err := h.service.Get(c.Request.Context(), handle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

// GetPuzzle handles GET /v1/escrows/:handle/puzzle
func (h *Handler) GetPuzzle(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	p, err := h.service.GetPuzzle(c.Request.Context(), handle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"handle":             p.Handle.Hex(),
		"tradeAmount":        p.TradeAmount.String(),
		"puzzleHash":         "0x" + hex.EncodeToString(p.PuzzleHash[:]),
		"puzzleTimelock":     p.PuzzleTimelock,
		"authorizingSighash": "0x" + hex.EncodeToString(p.AuthorizingSighash[:]),
		"createdAt":          p.CreatedAt,
	})
}

// OpenEscrow handles POST /v1/escrows/:handle/open
func (h *Handler) OpenEscrow(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	e, err := h.service.Open(c.Request.Context(), handle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

type cashoutRequest struct {
	AmountTraded string `json:"amountTraded" binding:"required"`
	EscrowerSig  string `json:"escrowerSig" binding:"required"`
	PayeeSig     string `json:"payeeSig" binding:"required"`
}

// Cashout handles POST /v1/escrows/:handle/cashout
func (h *Handler) Cashout(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	var req cashoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	amount, ok := parseAmount(req.AmountTraded)
	if !ok {
		badRequest(c, "Invalid amountTraded")
		return
	}
	escrowerSig, payeeSig, ok := parseSigPair(c, req.EscrowerSig, req.PayeeSig)
	if !ok {
		return
	}
	e, err := h.service.Cashout(c.Request.Context(), handle, amount, escrowerSig, payeeSig)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

type refundRequest struct {
	AmountTraded string `json:"amountTraded" binding:"required"`
	EscrowerSig  string `json:"escrowerSig" binding:"required"`
}

// Refund handles POST /v1/escrows/:handle/refund
func (h *Handler) Refund(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	amount, ok := parseAmount(req.AmountTraded)
	if !ok {
		badRequest(c, "Invalid amountTraded")
		return
	}
	sig, err := sigcheck.DecodeSig(req.EscrowerSig)
	if err != nil {
		badRequest(c, "Invalid escrowerSig")
		return
	}
	e, err := h.service.Refund(c.Request.Context(), handle, amount, sig)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

// ForceRefund handles POST /v1/escrows/:handle/force-refund
func (h *Handler) ForceRefund(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	e, err := h.service.ForceRefund(c.Request.Context(), handle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

type puzzleRequest struct {
	PrevAmountTraded string `json:"prevAmountTraded" binding:"required"`
	TradeAmount      string `json:"tradeAmount" binding:"required"`
	PuzzleHash       string `json:"puzzleHash" binding:"required"`
	PuzzleTimelock   int64  `json:"puzzleTimelock" binding:"required"`
	EscrowerSig      string `json:"escrowerSig" binding:"required"`
	PayeeSig         string `json:"payeeSig" binding:"required"`
}

// PostPuzzle handles POST /v1/escrows/:handle/puzzle
func (h *Handler) PostPuzzle(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	var req puzzleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	prev, ok := parseAmount(req.PrevAmountTraded)
	if !ok {
		badRequest(c, "Invalid prevAmountTraded")
		return
	}
	trade, ok := parseAmount(req.TradeAmount)
	if !ok {
		badRequest(c, "Invalid tradeAmount")
		return
	}
	var puzzleHash [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(req.PuzzleHash, "0x"))
	if err != nil || len(raw) != 32 {
		badRequest(c, "puzzleHash must be 32 hex bytes")
		return
	}
	copy(puzzleHash[:], raw)
	escrowerSig, payeeSig, ok := parseSigPair(c, req.EscrowerSig, req.PayeeSig)
	if !ok {
		return
	}

	e, err := h.service.PostPuzzle(c.Request.Context(), handle, prev, trade, puzzleHash, req.PuzzleTimelock, escrowerSig, payeeSig)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

type solveRequest struct {
	Preimage string `json:"preimage" binding:"required"`
}

// SolvePuzzle handles POST /v1/escrows/:handle/puzzle/solve
func (h *Handler) SolvePuzzle(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	var req solveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	preimage, err := hex.DecodeString(strings.TrimPrefix(req.Preimage, "0x"))
	if err != nil {
		badRequest(c, "Invalid preimage hex")
		return
	}
	e, err := h.service.SolvePuzzle(c.Request.Context(), handle, preimage)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

// RefundPuzzle handles POST /v1/escrows/:handle/puzzle/refund
func (h *Handler) RefundPuzzle(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	e, err := h.service.RefundPuzzle(c.Request.Context(), handle)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

type withdrawRequest struct {
	Party string `json:"party" binding:"required"`
}

// Withdraw handles POST /v1/escrows/:handle/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	handle, ok := handleParam(c)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	party := Party(strings.ToLower(req.Party))
	if party != PartyEscrower && party != PartyPayee {
		badRequest(c, "party must be escrower or payee")
		return
	}
	e, err := h.service.Withdraw(c.Request.Context(), handle, party)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(e))
}

func escrowResponse(e *Escrow) gin.H {
	return gin.H{
		"handle":            e.Handle.Hex(),
		"asset":             e.Asset,
		"amount":            e.Amount.String(),
		"timelock":          e.Timelock,
		"escrowerReserve":   e.EscrowerReserve.Hex(),
		"escrowerTrade":     e.EscrowerTrade.Hex(),
		"escrowerRefund":    e.EscrowerRefund.Hex(),
		"payeeReserve":      e.PayeeReserve.Hex(),
		"payeeTrade":        e.PayeeTrade.Hex(),
		"state":             string(e.State),
		"closeReason":       string(e.CloseReason),
		"escrowerBalance":   e.EscrowerBalance.String(),
		"payeeBalance":      e.PayeeBalance.String(),
		"escrowerWithdrawn": e.EscrowerWithdrawn.String(),
		"payeeWithdrawn":    e.PayeeWithdrawn.String(),
		"createdAt":         e.CreatedAt,
		"updatedAt":         e.UpdatedAt,
	}
}

func handleParam(c *gin.Context) (common.Address, bool) {
	raw := c.Param("handle")
	if !validation.IsValidEthAddress(raw) {
		badRequest(c, "Invalid escrow handle")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseAmount(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func parseSigPair(c *gin.Context, escrowerSig, payeeSig string) ([]byte, []byte, bool) {
	e, err := sigcheck.DecodeSig(escrowerSig)
	if err != nil {
		badRequest(c, "Invalid escrowerSig")
		return nil, nil, false
	}
	p, err := sigcheck.DecodeSig(payeeSig)
	if err != nil {
		badRequest(c, "Invalid payeeSig")
		return nil, nil, false
	}
	return e, p, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPuzzleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrDuplicateEscrow):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_escrow", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusForbidden, gin.H{"error": "bad_signature", "message": err.Error()})
	case errors.Is(err, ErrTimelockNotReached):
		c.JSON(http.StatusConflict, gin.H{"error": "timelock_not_reached", "message": err.Error()})
	case errors.Is(err, ErrUnderfunded):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "underfunded", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrWrongPreimage), errors.Is(err, ErrNothingToWithdraw):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
