// Package httpapi exposes the application services over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/obscura-network/sip/internal/app"
	"github.com/obscura-network/sip/internal/app/domain/intent"
	"github.com/obscura-network/sip/internal/app/domain/privacy"
	"github.com/obscura-network/sip/internal/app/domain/settlement"
	vaultdomain "github.com/obscura-network/sip/internal/app/domain/vault"
	"github.com/obscura-network/sip/internal/app/services/batcher"
	keypoolsvc "github.com/obscura-network/sip/internal/app/services/keypool"
	vaultsvc "github.com/obscura-network/sip/internal/app/services/vault"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// Options configures the handler.
type Options struct {
	// AuditPath appends request audit entries as JSONL when set.
	AuditPath string
}

// NewHandler returns a router exposing the core REST API.
func NewHandler(application *app.Application, opts Options) (http.Handler, error) {
	sink, err := newFileAuditSink(opts.AuditPath)
	if err != nil {
		return nil, err
	}
	h := &handler{app: application, audit: newAuditLog(0, sink)}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)

	r.HandleFunc("/settlement", h.settlementState).Methods(http.MethodGet)
	r.HandleFunc("/settlement/root", h.updateRoot).Methods(http.MethodPost)
	r.HandleFunc("/settlement/roots/{batchID}", h.rootByBatchID).Methods(http.MethodGet)
	r.HandleFunc("/settlement/settle", h.settle).Methods(http.MethodPost)
	r.HandleFunc("/settlement/settle-batch", h.settleBatch).Methods(http.MethodPost)
	r.HandleFunc("/settlement/verify", h.verifyCommitment).Methods(http.MethodPost)
	r.HandleFunc("/settlement/pause", h.pause).Methods(http.MethodPost)
	r.HandleFunc("/settlement/unpause", h.unpause).Methods(http.MethodPost)
	r.HandleFunc("/settlement/executors", h.addExecutor).Methods(http.MethodPost)
	r.HandleFunc("/settlement/executors/{addr}", h.removeExecutor).Methods(http.MethodDelete)
	r.HandleFunc("/settlement/ownership/transfer", h.transferOwnership).Methods(http.MethodPost)
	r.HandleFunc("/settlement/ownership/accept", h.acceptOwnership).Methods(http.MethodPost)
	r.HandleFunc("/settlement/ownership/cancel", h.cancelOwnership).Methods(http.MethodPost)

	r.HandleFunc("/pools", h.createPool).Methods(http.MethodPost)
	r.HandleFunc("/pools", h.listPools).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}", h.getPool).Methods(http.MethodGet)
	r.HandleFunc("/pools/{id}/keys", h.issueKey).Methods(http.MethodPost)

	r.HandleFunc("/intents", h.addIntent).Methods(http.MethodPost)
	r.HandleFunc("/intents/withdraw", h.withdrawIntent).Methods(http.MethodPost)

	r.HandleFunc("/batches", h.listBatches).Methods(http.MethodGet)
	r.HandleFunc("/batches/finalize", h.finalizeBatch).Methods(http.MethodPost)
	r.HandleFunc("/batches/{batchID}", h.getBatch).Methods(http.MethodGet)
	r.HandleFunc("/batches/{batchID}/proof", h.batchProof).Methods(http.MethodGet)

	r.HandleFunc("/claims", h.queueClaim).Methods(http.MethodPost)
	r.HandleFunc("/claims", h.listClaims).Methods(http.MethodGet)
	r.HandleFunc("/claims/execute", h.executeClaims).Methods(http.MethodPost)

	r.HandleFunc("/vault/deposits", h.deposit).Methods(http.MethodPost)
	r.HandleFunc("/vault/deposits", h.listDeposits).Methods(http.MethodGet)
	r.HandleFunc("/vault/withdrawals", h.withdraw).Methods(http.MethodPost)
	r.HandleFunc("/vault/withdrawals", h.listWithdrawals).Methods(http.MethodGet)
	r.HandleFunc("/vault/balance", h.balance).Methods(http.MethodGet)

	r.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)

	return h.withAudit(r), nil
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- settlement -------------------------------------------------------------

func (h *handler) settlementState(w http.ResponseWriter, _ *http.Request) {
	snap := h.app.Settlement.Snapshot()
	executors := make([]string, 0, len(snap.AuthorizedExecutors))
	for addr := range snap.AuthorizedExecutors {
		executors = append(executors, addr)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":            snap.Owner,
		"pending_owner":    snap.PendingOwner,
		"current_root":     snap.CurrentRoot,
		"current_batch_id": snap.CurrentBatchID,
		"paused":           snap.Paused,
		"executors":        executors,
	})
}

func (h *handler) updateRoot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string          `json:"caller"`
		Root   settlement.Hash `json:"root"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batchID, err := h.app.Settlement.UpdateRoot(r.Context(), req.Caller, req.Root)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "root": req.Root})
}

func (h *handler) rootByBatchID(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseUint(mux.Vars(r)["batchID"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	root, ok := h.app.Settlement.RootByBatchID(batchID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("batch id unknown"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "root": root})
}

type proofPayload struct {
	Commitment settlement.Hash `json:"commitment"`
	Proof      []string        `json:"proof"`
	LeafIndex  uint64          `json:"leaf_index"`
}

func decodeProof(hexes []string) ([][]byte, error) {
	proof := make([][]byte, len(hexes))
	for i, s := range hexes {
		h, err := settlement.HashFromHex(s)
		if err != nil {
			return nil, err
		}
		proof[i] = h.Bytes()
	}
	return proof, nil
}

func (h *handler) settle(w http.ResponseWriter, r *http.Request) {
	var req proofPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proof, err := decodeProof(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Settlement.Settle(r.Context(), req.Commitment, proof, req.LeafIndex); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settled": true, "commitment": req.Commitment})
}

func (h *handler) settleBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entries []proofPayload `json:"entries"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	commitments := make([]settlement.Hash, len(req.Entries))
	proofs := make([][][]byte, len(req.Entries))
	indices := make([]uint64, len(req.Entries))
	for i, entry := range req.Entries {
		proof, err := decodeProof(entry.Proof)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		commitments[i] = entry.Commitment
		proofs[i] = proof
		indices[i] = entry.LeafIndex
	}

	if err := h.app.Settlement.SettleBatch(r.Context(), commitments, proofs, indices); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settled": len(commitments)})
}

func (h *handler) verifyCommitment(w http.ResponseWriter, r *http.Request) {
	var req proofPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proof, err := decodeProof(req.Proof)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	valid, used, err := h.app.Settlement.VerifyCommitment(r.Context(), req.Commitment, proof, req.LeafIndex)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": valid, "used": used})
}

type callerPayload struct {
	Caller string `json:"caller"`
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	var req callerPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Settlement.Pause(req.Caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (h *handler) unpause(w http.ResponseWriter, r *http.Request) {
	var req callerPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Settlement.Unpause(req.Caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (h *handler) addExecutor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string `json:"caller"`
		Executor string `json:"executor"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Settlement.AddExecutor(req.Caller, req.Executor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"executor": req.Executor})
}

func (h *handler) removeExecutor(w http.ResponseWriter, r *http.Request) {
	caller := r.URL.Query().Get("caller")
	addr := mux.Vars(r)["addr"]
	if err := h.app.Settlement.RemoveExecutor(caller, addr); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": addr})
}

func (h *handler) transferOwnership(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string `json:"caller"`
		NewOwner string `json:"new_owner"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Settlement.TransferOwnership(req.Caller, req.NewOwner); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending_owner": req.NewOwner})
}

func (h *handler) acceptOwnership(w http.ResponseWriter, r *http.Request) {
	var req callerPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Settlement.AcceptOwnership(req.Caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": req.Caller})
}

func (h *handler) cancelOwnership(w http.ResponseWriter, r *http.Request) {
	var req callerPayload
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Settlement.CancelOwnershipTransfer(req.Caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// --- key pools --------------------------------------------------------------

func (h *handler) createPool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TotalKeys int    `json:"total_keys"`
		Owner     string `json:"owner"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reg, err := h.app.KeyPools.GeneratePool(r.Context(), req.TotalKeys, req.Owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *handler) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.app.KeyPools.ListRegistrations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

func (h *handler) getPool(w http.ResponseWriter, r *http.Request) {
	reg, err := h.app.KeyPools.Registration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	available, err := h.app.KeyPools.AvailableCount(r.Context(), reg.ID)
	if err != nil {
		// Registration persisted but pool keys live elsewhere.
		available = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{"registration": reg, "available_keys": available})
}

func (h *handler) issueKey(w http.ResponseWriter, r *http.Request) {
	issued, err := h.app.KeyPools.NextKey(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issued)
}

// --- intents and batches ----------------------------------------------------

func (h *handler) addIntent(w http.ResponseWriter, r *http.Request) {
	var req intent.Authorized
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	commitment, err := h.app.Batcher.AddIntent(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"commitment": commitment,
		"pending":    h.app.Batcher.PendingCount(req.Intent.Destination),
	})
}

func (h *handler) withdrawIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destination string          `json:"destination"`
		Commitment  settlement.Hash `json:"commitment"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Batcher.WithdrawIntent(r.Context(), req.Destination, req.Commitment); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawn": true})
}

func (h *handler) listBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.app.Batcher.ListBatches(r.Context(), r.URL.Query().Get("destination"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *handler) finalizeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Destination string `json:"destination"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batch, err := h.app.Batcher.FinalizeBatch(r.Context(), req.Destination)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

func (h *handler) getBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseUint(mux.Vars(r)["batchID"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batch, err := h.app.Batcher.GetBatch(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (h *handler) batchProof(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseUint(mux.Vars(r)["batchID"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	commitment, err := settlement.HashFromHex(r.URL.Query().Get("commitment"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	proof, index, err := h.app.Batcher.BatchProof(r.Context(), batchID, commitment)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	hexes := make([]string, len(proof))
	for i, sibling := range proof {
		node, err := settlement.HashFromBytes(sibling)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		hexes[i] = node.Hex()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commitment": commitment,
		"proof":      hexes,
		"leaf_index": index,
	})
}

// --- privacy pool -----------------------------------------------------------

func (h *handler) queueClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Commitment settlement.Hash `json:"commitment"`
		Recipient  string          `json:"recipient"`
		Amount     uint64          `json:"amount"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	claim, err := h.app.PrivacyPool.QueueClaim(r.Context(), req.Commitment, req.Recipient, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, claim)
}

func (h *handler) listClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.app.PrivacyPool.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (h *handler) executeClaims(w http.ResponseWriter, r *http.Request) {
	released, err := h.app.PrivacyPool.ExecuteBatch(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": released})
}

// --- vault ------------------------------------------------------------------

func (h *handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Depositor string `json:"depositor"`
		Token     string `json:"token"`
		Amount    uint64 `json:"amount"`
		Nonce     uint64 `json:"nonce"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		dep vaultdomain.Deposit
		err error
	)
	if req.Token == "" || req.Token == vaultdomain.NativeToken {
		dep, err = h.app.Vault.DepositNative(r.Context(), req.Depositor, req.Amount, req.Nonce)
	} else {
		dep, err = h.app.Vault.DepositToken(r.Context(), req.Depositor, req.Token, req.Amount, req.Nonce)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (h *handler) listDeposits(w http.ResponseWriter, r *http.Request) {
	deposits, err := h.app.Vault.ListDeposits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deposits)
}

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller   string             `json:"caller"`
		Requests []vaultsvc.Request `json:"requests"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	withdrawals, err := h.app.Vault.ExecuteBatchWithdrawal(r.Context(), req.Caller, req.Requests)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawals)
}

func (h *handler) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	withdrawals, err := h.app.Vault.ListWithdrawals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawals)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   tokenOrNative(token),
		"balance": h.app.Vault.Balance(token),
	})
}

func tokenOrNative(token string) string {
	if token == "" {
		return vaultdomain.NativeToken
	}
	return token
}

// --- audit ------------------------------------------------------------------

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// --- helpers ----------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeDomainError maps domain sentinel errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, settlement.ErrPaused):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, settlement.ErrCommitmentUsed),
		errors.Is(err, settlement.ErrExecutorExists),
		errors.Is(err, privacy.ErrDuplicateClaim),
		errors.Is(err, batcher.ErrDuplicateIntent):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, settlement.ErrExecutorNotFound),
		errors.Is(err, batcher.ErrBatchNotFound),
		errors.Is(err, batcher.ErrNotInBatch),
		errors.Is(err, batcher.ErrIntentNotFound),
		errors.Is(err, keypoolsvc.ErrPoolNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, keypoolsvc.ErrPoolExhausted),
		errors.Is(err, privacy.ErrInsufficientPoolBalance),
		errors.Is(err, vaultdomain.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err)
	case strings.Contains(err.Error(), "not found"):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
