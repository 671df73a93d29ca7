package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"mcpgw/pkg/audit"
	"mcpgw/pkg/auth"
	"mcpgw/pkg/broker"
	"mcpgw/pkg/contracts"
	"mcpgw/pkg/httpx"
	"mcpgw/pkg/models"
	"mcpgw/pkg/registry"
	"mcpgw/pkg/stream"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "service": "gateway"}
	if s.Oracle != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp["oracle_healthy"] = s.Oracle.Healthy(ctx)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeclareIntent(w http.ResponseWriter, r *http.Request) {
	var decl models.ClientIntentDeclaration
	if !decodeBody(w, r, &decl) {
		return
	}
	id, err := s.Broker.DeclareIntent(r.Context(), decl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"intent_id": id})
}

func (s *Server) handleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	var decl models.ServerCapabilityDeclaration
	if !decodeBody(w, r, &decl) {
		return
	}
	id, err := s.Broker.RegisterCapability(r.Context(), decl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"capability_id": id})
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.Broker.Registry.ListCapabilities(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

type negotiateRequest struct {
	IntentID         string   `json:"intent_id"`
	CapabilityID     string   `json:"capability_id"`
	ServerName       string   `json:"server_name,omitempty"`
	ExtraConstraints []string `json:"extra_constraints,omitempty"`
}

func (s *Server) handleNegotiate(w http.ResponseWriter, r *http.Request) {
	var req negotiateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	capabilityID := strings.TrimSpace(req.CapabilityID)
	if capabilityID == "" && strings.TrimSpace(req.ServerName) != "" {
		capability, err := s.Broker.Registry.LookupCapabilityByServer(r.Context(), req.ServerName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		capabilityID = capability.CapabilityID
	}
	if strings.TrimSpace(req.IntentID) == "" || capabilityID == "" {
		httpx.Error(w, http.StatusBadRequest, "intent_id and capability_id (or server_name) required")
		return
	}
	contract, err := s.Broker.Negotiate(r.Context(), req.IntentID, capabilityID, req.ExtraConstraints)
	s.auditNegotiation(r.Context(), req, contract, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, contract)
}

type validateRequest struct {
	ContractID string                     `json:"contract_id"`
	Operation  models.OperationDescriptor `json:"operation"`
}

func (s *Server) handleValidateTransaction(w http.ResponseWriter, r *http.Request) {
	s.handleValidate(w, r, false)
}

func (s *Server) handleValidateResponse(w http.ResponseWriter, r *http.Request) {
	s.handleValidate(w, r, true)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, response bool) {
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ContractID) == "" {
		httpx.Error(w, http.StatusBadRequest, "contract_id required")
		return
	}
	var (
		res models.TransactionValidationResult
		err error
	)
	if response {
		res, err = s.Broker.ValidateResponse(r.Context(), req.ContractID, req.Operation)
	} else {
		res, err = s.Broker.ValidateTransaction(r.Context(), req.ContractID, req.Operation)
	}
	s.auditValidation(r.Context(), req, res, response)
	if err != nil {
		// The result still carries a blocked decision; the status code tells
		// the proxy why.
		httpx.WriteJSON(w, statusForError(err), res)
		return
	}
	status := http.StatusOK
	if res.Outcome != models.OutcomeApproved {
		status = http.StatusForbidden
	}
	httpx.WriteJSON(w, status, res)
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"contracts": s.Broker.Contracts.List(status)})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.Broker.Contracts.Get(chi.URLParam(r, "contract_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleContractStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Broker.ContractStats(chi.URLParam(r, "contract_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handleApproveContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.Broker.ApproveContract(r.Context(), chi.URLParam(r, "contract_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleTerminateContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.Broker.TerminateContract(r.Context(), chi.URLParam(r, "contract_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleAnalyzeDrift(w http.ResponseWriter, r *http.Request) {
	report, err := s.Broker.AnalyzeDrift(r.Context(), chi.URLParam(r, "contract_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}

// handleClientContract binds the lookup to the authenticated caller: a client
// may read only its own contract, while operators and security admins may
// read any client's.
func (s *Server) handleClientContract(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "client_id")
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		if principal.ClientID != clientID && !auth.HasAnyRole(principal, "operator", "securityadmin") {
			httpx.Error(w, http.StatusForbidden, "client contract lookup limited to the caller's own client_id")
			return
		}
	}
	c, err := s.Broker.Contracts.GetByClient(clientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleBrokerStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Broker.Stats(r.Context()))
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "transaction_id"))
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "audit record not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Stream == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Stream.Subscribe(64)
	defer s.Stream.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) auditNegotiation(ctx context.Context, req negotiateRequest, contract contracts.Contract, negErr error) {
	if s.Audit == nil {
		return
	}
	outcome := "created"
	reason := ""
	if negErr != nil {
		outcome = "rejected"
		reason = negErr.Error()
	}
	opRaw, _ := json.Marshal(req)
	var resultRaw json.RawMessage
	if negErr == nil {
		resultRaw, _ = json.Marshal(contract.Verdict)
	}
	rec := audit.Record{
		TransactionID: contract.ContractID,
		ContractID:    contract.ContractID,
		ClientID:      contract.ClientID,
		Kind:          audit.KindNegotiation,
		OperationRaw:  opRaw,
		ResultRaw:     resultRaw,
		Outcome:       outcome,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

func (s *Server) auditValidation(ctx context.Context, req validateRequest, res models.TransactionValidationResult, response bool) {
	if s.Audit == nil {
		return
	}
	kind := audit.KindTransaction
	if response {
		kind = audit.KindResponse
	}
	opRaw, _ := json.Marshal(req.Operation)
	resultRaw, _ := json.Marshal(res)
	rec := audit.Record{
		TransactionID: res.TransactionID,
		ContractID:    req.ContractID,
		Kind:          kind,
		OperationRaw:  opRaw,
		ResultRaw:     resultRaw,
		Outcome:       res.Outcome,
		Reason:        strings.Join(res.Reasons, "; "),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		httpx.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, contracts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, contracts.ErrIncompatibleIntent):
		return http.StatusConflict
	case errors.Is(err, contracts.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, contracts.ErrExpired),
		errors.Is(err, contracts.ErrRevoked),
		errors.Is(err, contracts.ErrPendingApproval),
		errors.Is(err, contracts.ErrTerminated):
		return http.StatusForbidden
	case errors.Is(err, broker.ErrOracleUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	httpx.Error(w, statusForError(err), err.Error())
}
