package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/eljojo/dchat/messages"
	"github.com/eljojo/dchat/types"
)

// Handler returns an http.Handler exposing the ledger with the same JSON
// routes Client speaks: POST /events/query, POST /tx, GET /tx/{id} and
// POST /call.
func (l *MemoryLedger) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events/query", l.httpQueryHandler)
	mux.HandleFunc("/tx", l.httpSubmitHandler)
	mux.HandleFunc("/tx/", l.httpReceiptHandler)
	mux.HandleFunc("/call", l.httpCallHandler)
	return mux
}

// POST /events/query
func (l *MemoryLedger) httpQueryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	events, err := l.QueryHistorical(r.Context(), req.Filter, req.Range)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if events == nil {
		events = []messages.RawEvent{}
	}
	logrus.Debugf("📤 query %s: %d events", req.Filter, len(events))
	writeJSON(w, QueryResponse{Events: events})
}

// POST /tx
func (l *MemoryLedger) httpSubmitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !types.IsAddress(string(req.From)) {
		writeJSONError(w, http.StatusBadRequest, "from is required")
		return
	}
	tx, err := l.SubmitAs(r.Context(), req.From, req.Operation)
	if err != nil {
		var txErr *TxError
		if errors.As(err, &txErr) {
			writeJSONError(w, http.StatusBadRequest, txErr.Reason)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, tx)
}

// GET /tx/{id}
func (l *MemoryLedger) httpReceiptHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tx/")
	receipt, ok := l.Receipt(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown transaction")
		return
	}
	writeJSON(w, receipt)
}

// POST /call
func (l *MemoryLedger) httpCallHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Method string            `json:"method"`
		Args   []json.RawMessage `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Args) != 1 {
		writeJSONError(w, http.StatusBadRequest, "expected method and one argument")
		return
	}

	result, err := l.call(r.Context(), req.Method, req.Args[0])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, CallResponse{Result: raw})
}

func (l *MemoryLedger) call(ctx context.Context, method string, arg json.RawMessage) (any, error) {
	switch method {
	case CallGetGroupDetails:
		var id types.GroupID
		if err := json.Unmarshal(arg, &id); err != nil {
			return nil, errors.New("group id must be a number")
		}
		return l.GetGroupDetails(ctx, id)
	case CallGetUser, CallGetFriendList, CallGetUserGroups:
		var addr types.Address
		if err := json.Unmarshal(arg, &addr); err != nil || !types.IsAddress(string(addr)) {
			return nil, errors.New("argument must be an address")
		}
		switch method {
		case CallGetUser:
			return l.GetUser(ctx, addr)
		case CallGetFriendList:
			return l.GetFriendList(ctx, addr)
		default:
			return l.GetUserGroups(ctx, addr)
		}
	}
	return nil, errors.New("unknown method " + method)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: reason})
}
