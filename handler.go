package procgrid

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gnemet/procgrid/columnstate"
	"github.com/google/uuid"
)

// Handler exposes the engine over HTTP. Caller identity arrives in the
// X-User-Id and X-Roles headers; verifying the token that produced them
// is the gateway's job, not this engine's.
type Handler struct {
	engine *Engine
	states *columnstate.Store
	log    *slog.Logger
}

func NewHandler(engine *Engine, states *columnstate.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, states: states, log: log}
}

// Register mounts all grid routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/grid/query", h.handleQuery)
	mux.HandleFunc("/api/grid/rows", h.handleRows)
	mux.HandleFunc("/api/grid/dropdown", h.handleDropdown)
	mux.HandleFunc("/api/grid/column-state", h.handleColumnState)
	mux.HandleFunc("/api/grid/procedures", h.handleProcedures)
	mux.HandleFunc("/api/grid/metadata/invalidate", h.handleInvalidate)
}

func callerRoles(r *http.Request) []string {
	raw := r.Header.Get("X-Roles")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-Id"))
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	reqID := uuid.New().String()[:8]

	var req GridRequest
	var err error
	switch r.Method {
	case http.MethodGet:
		req, err = parseGridRequest(r)
	case http.MethodPost:
		err = json.NewDecoder(r.Body).Decode(&req)
		if err != nil {
			err = validationf("invalid request body: %v", err)
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		h.writeError(w, reqID, err)
		return
	}

	resp, err := h.engine.Query(r.Context(), callerRoles(r), req)
	if err != nil {
		h.writeError(w, reqID, err)
		return
	}

	h.log.Info("grid query",
		"request_id", reqID,
		"procedure", req.ProcedureName,
		"rows", len(resp.Rows),
		"duration", time.Since(started))
	writeJSON(w, http.StatusOK, resp)
}

// parseGridRequest reads the query-string form of a grid request;
// filterJson and drillDownJson carry their serialized structures.
func parseGridRequest(r *http.Request) (GridRequest, error) {
	q := r.URL.Query()
	req := GridRequest{
		ProcedureName: q.Get("procedureName"),
		SortColumn:    q.Get("sortColumn"),
		SortDirection: q.Get("sortDirection"),
		SearchTerm:    q.Get("searchTerm"),
	}

	var err error
	if req.PageNumber, err = intParam(q.Get("pageNumber"), "pageNumber"); err != nil {
		return req, err
	}
	if req.PageSize, err = intParam(q.Get("pageSize"), "pageSize"); err != nil {
		return req, err
	}
	for _, p := range []struct {
		name string
		dst  **int
	}{{"startRow", &req.StartRow}, {"endRow", &req.EndRow}} {
		if raw := q.Get(p.name); raw != "" {
			n, err := intParam(raw, p.name)
			if err != nil {
				return req, err
			}
			*p.dst = &n
		}
	}

	if req.Filter, err = ParseFilterExpression(q.Get("filterJson")); err != nil {
		return req, err
	}
	if req.DrillDown, err = ParseDrillDown(q.Get("drillDownJson")); err != nil {
		return req, err
	}
	return req, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validationf("%s must be an integer, got %q", name, raw)
	}
	return n, nil
}

type createBody struct {
	ProcedureName string                 `json:"procedureName"`
	FieldValues   map[string]interface{} `json:"fieldValues"`
}

type updateBody struct {
	ProcedureName string                 `json:"procedureName"`
	RowID         interface{}            `json:"rowId"`
	Changes       map[string]interface{} `json:"changes"`
}

type deleteBody struct {
	ProcedureName string      `json:"procedureName"`
	RowID         interface{} `json:"rowId"`
}

type mutationResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	CreatedRow   Row    `json:"createdRow,omitempty"`
	UpdatedRow   Row    `json:"updatedRow,omitempty"`
	RowsAffected *int64 `json:"rowsAffected,omitempty"`
}

func (h *Handler) handleRows(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()[:8]
	roles := callerRoles(r)

	switch r.Method {
	case http.MethodPost:
		var body createBody
		if err := decodeBody(r.Body, &body); err != nil {
			h.writeError(w, reqID, err)
			return
		}
		row, err := h.engine.CreateRow(r.Context(), roles, body.ProcedureName, body.FieldValues)
		if err != nil {
			h.writeMutationError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusCreated, mutationResponse{Success: true, CreatedRow: row})

	case http.MethodPut:
		var body updateBody
		if err := decodeBody(r.Body, &body); err != nil {
			h.writeError(w, reqID, err)
			return
		}
		row, err := h.engine.UpdateRow(r.Context(), roles, body.ProcedureName, body.RowID, body.Changes)
		if err != nil {
			h.writeMutationError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Success: true, UpdatedRow: row})

	case http.MethodDelete:
		var body deleteBody
		if err := decodeBody(r.Body, &body); err != nil {
			h.writeError(w, reqID, err)
			return
		}
		affected, err := h.engine.DeleteRow(r.Context(), roles, body.ProcedureName, body.RowID)
		if err != nil {
			h.writeMutationError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Success: true, RowsAffected: &affected})

	default:
		w.Header().Set("Allow", "POST, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleDropdown(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()[:8]
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req DropdownRequest
	if err := decodeBody(r.Body, &req); err != nil {
		h.writeError(w, reqID, err)
		return
	}
	options, err := h.engine.DropdownValues(r.Context(), callerRoles(r), req)
	if err != nil {
		h.writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"options": options})
}

type columnStateBody struct {
	ProcedureName string          `json:"procedureName"`
	ColumnState   json.RawMessage `json:"columnState"`
}

func (h *Handler) handleColumnState(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()[:8]
	userID := callerID(r)
	if userID == "" {
		h.writeError(w, reqID, validationf("missing X-User-Id header"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		proc := r.URL.Query().Get("procedureName")
		if proc == "" {
			h.writeError(w, reqID, validationf("procedureName is required"))
			return
		}
		blob, err := h.states.Load(r.Context(), userID, proc)
		if errors.Is(err, columnstate.ErrNotFound) {
			// Absence is normal: the client falls back to default layout.
			writeJSON(w, http.StatusOK, columnStateBody{ProcedureName: proc, ColumnState: nil})
			return
		}
		if err != nil {
			h.writeError(w, reqID, databaseErr("load column state", err))
			return
		}
		writeJSON(w, http.StatusOK, columnStateBody{ProcedureName: proc, ColumnState: blob})

	case http.MethodPut:
		var body columnStateBody
		if err := decodeBody(r.Body, &body); err != nil {
			h.writeError(w, reqID, err)
			return
		}
		if body.ProcedureName == "" || len(body.ColumnState) == 0 {
			h.writeError(w, reqID, validationf("procedureName and columnState are required"))
			return
		}
		if err := h.states.Save(r.Context(), userID, body.ProcedureName, body.ColumnState); err != nil {
			h.writeError(w, reqID, databaseErr("save column state", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})

	default:
		w.Header().Set("Allow", "GET, PUT")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleProcedures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"procedures": h.engine.Procedures(callerRoles(r)),
	})
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()[:8]
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	proc := r.URL.Query().Get("procedureName")
	if proc == "" {
		h.writeError(w, reqID, validationf("procedureName is required"))
		return
	}
	h.engine.InvalidateMetadata(proc)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func decodeBody(body io.Reader, dst interface{}) error {
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return validationf("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId,omitempty"`
	} `json:"error"`
}

func statusForCode(code string) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, reqID string, err error) {
	code := CodeOf(err)
	if code == CodeDatabase {
		h.log.Error("grid request failed", "request_id", reqID, "error", err)
	}
	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = MessageOf(err)
	env.Error.RequestID = reqID
	writeJSON(w, statusForCode(code), env)
}

// writeMutationError keeps the mutation response shape: clients read
// success/errorCode from the body in addition to the HTTP status.
func (h *Handler) writeMutationError(w http.ResponseWriter, reqID string, err error) {
	code := CodeOf(err)
	if code == CodeDatabase {
		h.log.Error("grid mutation failed", "request_id", reqID, "error", err)
	}
	resp := mutationResponse{Success: false, ErrorCode: code, Message: MessageOf(err)}
	if code == CodeConflict {
		var zero int64
		resp.RowsAffected = &zero
	}
	writeJSON(w, statusForCode(code), resp)
}
