/*
handlers.go - HTTP API handlers for the commission engine

PURPOSE:
  Exposes the commission engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Events (intake):
    POST   /api/events/contract-validated   Compute initial commission
    POST   /api/events/payment-confirmed    Promote pending lines
    POST   /api/events/period-closed        Run the monthly close
    POST   /api/events/contract-terminated  Evaluate clawback

  Scales:
    GET    /api/scales                      List latest versions
    POST   /api/scales                      Create a new version
    GET    /api/scales/{id}                 Get latest version
    GET    /api/scales/{id}/versions/{v}    Get an exact version

  Agents:
    GET    /api/agents/{id}/lines           Ledger history (?period=)
    GET    /api/agents/{id}/carryforwards   Negative balances
    GET    /api/agents/{id}/batches/{period} Payout batch

  Overrides:
    POST   /api/lines/{id}/exclude          Hold a line from payout
    POST   /api/lines/{id}/include          Restore a held line

  Audit:
    GET    /api/audit                       Recent engine actions (?limit=)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate idempotency key)
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - commission/engine.go: Event handling logic
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/bareme"
	"github.com/warp/commission-engine/commission"
)

const timeFormat = time.RFC3339

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *commission.Engine
	Store  commission.Store
	Scales bareme.Store

	overrides *commission.Overrides
	log       zerolog.Logger
}

// NewHandler creates a new handler over the engine and its stores.
func NewHandler(engine *commission.Engine, store commission.Store, scales bareme.Store, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:    engine,
		Store:     store,
		Scales:    scales,
		overrides: engine.Overrides(),
		log:       log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// EVENT INTAKE
// =============================================================================

// ContractValidated handles POST /api/events/contract-validated.
func (h *Handler) ContractValidated(w http.ResponseWriter, r *http.Request) {
	var req ContractValidatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EventID == "" || req.ContractID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "event_id, contract_id and agent_id are required", nil)
		return
	}

	revenue, err := parseDecimal("revenue", req.Revenue)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	validatedAt := time.Now().UTC()
	if req.ValidatedAt != "" {
		if validatedAt, err = time.Parse(timeFormat, req.ValidatedAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid validated_at", err)
			return
		}
	}

	ev := commission.ContractValidated{
		EventID:             req.EventID,
		ContractID:          commission.ContractID(req.ContractID),
		AgentID:             commission.AgentID(req.AgentID),
		Revenue:             revenue,
		OrganisationID:      req.OrganisationID,
		ProductType:         req.ProductType,
		CompensationProfile: req.CompensationProfile,
		CompanyID:           req.CompanyID,
		SalesChannel:        req.SalesChannel,
		ValidatedAt:         validatedAt,
	}
	if err := h.Engine.HandleContractValidated(r.Context(), ev); err != nil {
		writeDomainError(w, "Failed to process contract validation", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

// PaymentConfirmed handles POST /api/events/payment-confirmed.
func (h *Handler) PaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	var req PaymentConfirmedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EventID == "" || req.ContractID == "" {
		writeError(w, http.StatusBadRequest, "event_id and contract_id are required", nil)
		return
	}

	var (
		period commission.Period
		err    error
	)
	if req.Period != "" {
		if period, err = commission.ParsePeriod(req.Period); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
	}
	amount := decimal.Zero
	if req.Amount != "" {
		if amount, err = parseDecimal("amount", req.Amount); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
	}
	paidAt := time.Now().UTC()
	if req.PaidAt != "" {
		if paidAt, err = time.Parse(timeFormat, req.PaidAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at", err)
			return
		}
	}

	ev := commission.PaymentConfirmed{
		EventID:    req.EventID,
		ContractID: commission.ContractID(req.ContractID),
		Period:     period,
		Amount:     amount,
		PaidAt:     paidAt,
	}
	if err := h.Engine.HandlePaymentConfirmed(r.Context(), ev); err != nil {
		writeDomainError(w, "Failed to process payment confirmation", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

// PeriodClosed handles POST /api/events/period-closed.
func (h *Handler) PeriodClosed(w http.ResponseWriter, r *http.Request) {
	var req PeriodClosedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EventID == "" {
		writeError(w, http.StatusBadRequest, "event_id is required", nil)
		return
	}
	period, err := commission.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	ev := commission.PeriodClosed{EventID: req.EventID, Period: period}
	if err := h.Engine.HandlePeriodClosed(r.Context(), ev); err != nil {
		writeDomainError(w, "Failed to close period", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

// ContractTerminated handles POST /api/events/contract-terminated.
func (h *Handler) ContractTerminated(w http.ResponseWriter, r *http.Request) {
	var req ContractTerminatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EventID == "" || req.ContractID == "" {
		writeError(w, http.StatusBadRequest, "event_id and contract_id are required", nil)
		return
	}

	var (
		activatedAt time.Time
		err         error
	)
	if req.ActivatedAt != "" {
		if activatedAt, err = time.Parse(timeFormat, req.ActivatedAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid activated_at", err)
			return
		}
	}
	terminatedAt := time.Now().UTC()
	if req.TerminatedAt != "" {
		if terminatedAt, err = time.Parse(timeFormat, req.TerminatedAt); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid terminated_at", err)
			return
		}
	}

	ev := commission.ContractTerminated{
		EventID:      req.EventID,
		ContractID:   commission.ContractID(req.ContractID),
		ActivatedAt:  activatedAt,
		TerminatedAt: terminatedAt,
		Reason:       req.Reason,
	}
	if err := h.Engine.HandleContractTerminated(r.Context(), ev); err != nil {
		writeDomainError(w, "Failed to process termination", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processed"})
}

// =============================================================================
// SCALE ADMINISTRATION
// =============================================================================

// ListScales handles GET /api/scales?organisation_id=.
func (h *Handler) ListScales(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organisation_id")
	scales, err := h.Scales.List(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list scales", err)
		return
	}

	dtos := make([]ScaleDTO, len(scales))
	for i, scale := range scales {
		dtos[i] = toScaleDTO(scale)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateScale handles POST /api/scales. Creates a new version; the stored
// version is returned.
func (h *Handler) CreateScale(w http.ResponseWriter, r *http.Request) {
	var req ScaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scale, err := scaleFromRequest(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	stored, err := h.Scales.Put(r.Context(), scale)
	if err != nil {
		writeDomainError(w, "Failed to store scale", err)
		return
	}

	h.log.Info().
		Str("scale", string(stored.ID)).
		Int("version", stored.Version).
		Msg("Scale version created")
	writeJSON(w, http.StatusCreated, toScaleDTO(stored))
}

// GetScale handles GET /api/scales/{id} (latest version).
func (h *Handler) GetScale(w http.ResponseWriter, r *http.Request) {
	id := bareme.ScaleID(chi.URLParam(r, "id"))
	scale, err := h.Scales.Latest(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get scale", err)
		return
	}
	writeJSON(w, http.StatusOK, toScaleDTO(scale))
}

// GetScaleVersion handles GET /api/scales/{id}/versions/{version}.
func (h *Handler) GetScaleVersion(w http.ResponseWriter, r *http.Request) {
	id := bareme.ScaleID(chi.URLParam(r, "id"))
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid version", err)
		return
	}

	scale, err := h.Scales.Get(r.Context(), id, version)
	if err != nil {
		writeDomainError(w, "Failed to get scale version", err)
		return
	}
	writeJSON(w, http.StatusOK, toScaleDTO(scale))
}

// =============================================================================
// AGENT LEDGER QUERIES
// =============================================================================

// GetAgentLines handles GET /api/agents/{id}/lines?period=.
func (h *Handler) GetAgentLines(w http.ResponseWriter, r *http.Request) {
	agentID := commission.AgentID(chi.URLParam(r, "id"))

	var (
		lines []commission.Line
		err   error
	)
	if p := r.URL.Query().Get("period"); p != "" {
		var period commission.Period
		if period, err = commission.ParsePeriod(p); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
		lines, err = h.Store.LinesByAgentPeriod(r.Context(), agentID, period)
	} else {
		lines, err = h.Store.LinesByAgent(r.Context(), agentID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query lines", err)
		return
	}

	writeJSON(w, http.StatusOK, toLineDTOs(lines))
}

// GetAgentCarryforwards handles GET /api/agents/{id}/carryforwards.
func (h *Handler) GetAgentCarryforwards(w http.ResponseWriter, r *http.Request) {
	agentID := commission.AgentID(chi.URLParam(r, "id"))

	cfs, err := h.Store.CarryforwardsByAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query carryforwards", err)
		return
	}

	dtos := make([]CarryforwardDTO, len(cfs))
	for i, cf := range cfs {
		dtos[i] = toCarryforwardDTO(cf)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAgentBatch handles GET /api/agents/{id}/batches/{period}.
func (h *Handler) GetAgentBatch(w http.ResponseWriter, r *http.Request) {
	agentID := commission.AgentID(chi.URLParam(r, "id"))
	period, err := commission.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return
	}

	batch, err := h.Store.FindBatch(r.Context(), agentID, period)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query batch", err)
		return
	}
	if batch == nil {
		writeError(w, http.StatusNotFound, "No batch for this agent and period", nil)
		return
	}

	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// =============================================================================
// MANUAL OVERRIDES
// =============================================================================

// ExcludeLine handles POST /api/lines/{id}/exclude.
func (h *Handler) ExcludeLine(w http.ResponseWriter, r *http.Request) {
	h.applyOverride(w, r, h.overrides.Exclude)
}

// IncludeLine handles POST /api/lines/{id}/include.
func (h *Handler) IncludeLine(w http.ResponseWriter, r *http.Request) {
	h.applyOverride(w, r, h.overrides.Include)
}

func (h *Handler) applyOverride(w http.ResponseWriter, r *http.Request,
	apply func(ctx context.Context, lineID commission.LineID, reason, author string) error) {
	lineID := commission.LineID(chi.URLParam(r, "id"))

	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Author == "" {
		writeError(w, http.StatusBadRequest, "author is required", nil)
		return
	}

	if err := apply(r.Context(), lineID, req.Reason, req.Author); err != nil {
		writeDomainError(w, "Failed to apply override", err)
		return
	}

	line, err := h.Store.GetLine(r.Context(), lineID)
	if err != nil {
		writeDomainError(w, "Failed to reload line", err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*line))
}

// =============================================================================
// AUDIT
// =============================================================================

// GetAudit handles GET /api/audit?limit=.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
	}

	entries, err := h.Store.RecentAudit(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, entry := range entries {
		dtos[i] = toAuditDTO(entry)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func scaleFromRequest(req *ScaleRequest) (*bareme.Scale, error) {
	if req.ID == "" || req.Name == "" {
		return nil, errors.New("id and name are required")
	}

	scale := &bareme.Scale{
		ID:                   bareme.ScaleID(req.ID),
		OrganisationID:       req.OrganisationID,
		Code:                 req.Code,
		Name:                 req.Name,
		Description:          req.Description,
		Mode:                 bareme.CalcMode(req.Mode),
		Base:                 bareme.CalcBase(req.Base),
		Precompte:            req.Precompte,
		RecurrenceActive:     req.RecurrenceActive,
		RecurrenceMonths:     req.RecurrenceMonths,
		ClawbackWindowMonths: req.ClawbackWindow,
		ProductType:          req.ProductType,
		CompensationProfile:  req.CompensationProfile,
		CompanyID:            req.CompanyID,
		SalesChannel:         req.SalesChannel,
		Active:               true,
	}
	if req.Active != nil {
		scale.Active = *req.Active
	}

	var err error
	if scale.FixedAmount, err = parseDecimal("fixed_amount", req.FixedAmount); err != nil {
		return nil, err
	}
	if scale.Rate, err = parseDecimal("rate", req.Rate); err != nil {
		return nil, err
	}
	if scale.RecurrenceRate, err = parseDecimal("recurrence_rate", req.RecurrenceRate); err != nil {
		return nil, err
	}
	if scale.ClawbackRate, err = parseDecimal("clawback_rate", req.ClawbackRate); err != nil {
		return nil, err
	}
	if scale.Split.Commercial, err = parseDecimal("split.commercial", req.Split.Commercial); err != nil {
		return nil, err
	}
	if scale.Split.Manager, err = parseDecimal("split.manager", req.Split.Manager); err != nil {
		return nil, err
	}
	if scale.Split.Agency, err = parseDecimal("split.agency", req.Split.Agency); err != nil {
		return nil, err
	}
	if scale.Split.Company, err = parseDecimal("split.company", req.Split.Company); err != nil {
		return nil, err
	}
	if req.EffectiveFrom != "" {
		if scale.EffectiveFrom, err = time.Parse(timeFormat, req.EffectiveFrom); err != nil {
			return nil, errors.New("invalid effective_from")
		}
	}
	if req.EffectiveTo != "" {
		to, err := time.Parse(timeFormat, req.EffectiveTo)
		if err != nil {
			return nil, errors.New("invalid effective_to")
		}
		scale.EffectiveTo = &to
	}

	for i, t := range req.Tiers {
		tier, err := tierFromDTO(scale.ID, i, t)
		if err != nil {
			return nil, err
		}
		scale.Tiers = append(scale.Tiers, tier)
	}

	return scale, nil
}

func tierFromDTO(scaleID bareme.ScaleID, order int, t TierDTO) (bareme.Tier, error) {
	tier := bareme.Tier{
		ScaleID:   scaleID,
		Code:      t.Code,
		Name:      t.Name,
		Kind:      bareme.TierKind(t.Kind),
		Cumulable: t.Cumulable,
		PerPeriod: t.PerPeriod,
		Party:     bareme.Party(t.Party),
		Order:     order,
		Active:    true,
	}
	if t.Active != nil {
		tier.Active = *t.Active
	}

	var err error
	if tier.MinThreshold, err = parseDecimal("min_threshold", t.MinThreshold); err != nil {
		return tier, err
	}
	if t.MaxThreshold != "" {
		max, err := parseDecimal("max_threshold", t.MaxThreshold)
		if err != nil {
			return tier, err
		}
		tier.MaxThreshold = &max
	}
	if tier.BonusAmount, err = parseDecimal("bonus_amount", t.BonusAmount); err != nil {
		return tier, err
	}
	if tier.BonusRate, err = parseDecimal("bonus_rate", t.BonusRate); err != nil {
		return tier, err
	}
	return tier, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case commission.IsNotFound(err) || errors.Is(err, bareme.ErrScaleNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, commission.ErrDuplicateLine) || errors.Is(err, bareme.ErrScaleVersionExists):
		writeError(w, http.StatusConflict, message, err)
	case commission.IsClientError(err) || bareme.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
