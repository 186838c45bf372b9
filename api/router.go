package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Bucher-Unipektin/s7connector/config"
	"github.com/Bucher-Unipektin/s7connector/logging"
	"github.com/Bucher-Unipektin/s7connector/poller"
	"github.com/Bucher-Unipektin/s7connector/s7"
)

const requestTimeout = 10 * time.Second

// Backend is what the API serves. *poller.Manager implements it.
type Backend interface {
	Connections() []*poller.Connection
	Connection(name string) *poller.Connection
	Snapshots() []poller.Snapshot
	Snapshot(connection, poll string) (poller.Snapshot, bool)
	Stats() map[string]poller.PollStats
	ReadAddress(ctx context.Context, name string, addr *s7.Address) (*s7.Value, error)
	WriteAddress(ctx context.Context, name string, addr *s7.Address, value interface{}) error
}

// ConnectionResponse is the JSON response for a connection.
type ConnectionResponse struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Family    string   `json:"family"`
	Rack      int      `json:"rack"`
	Slot      int      `json:"slot"`
	Status    string   `json:"status"`
	PDULength int      `json:"pdu_length,omitempty"`
	Polls     []string `json:"polls"`
	Error     string   `json:"error,omitempty"`
}

// ReadResponse is the JSON response for an on-demand read.
type ReadResponse struct {
	Connection string      `json:"connection"`
	Address    string      `json:"address"`
	Type       string      `json:"type"`
	Value      interface{} `json:"value"`
	Raw        string      `json:"raw"`
	Timestamp  string      `json:"timestamp"`
}

// WriteRequest is the JSON body of a write. Either Address is set, or the
// area fields with Value holding the bytes as a hex string or an array.
type WriteRequest struct {
	Address string      `json:"address,omitempty"`
	Type    string      `json:"type,omitempty"`
	Area    string      `json:"area,omitempty"`
	DB      int         `json:"db,omitempty"`
	Offset  int         `json:"offset,omitempty"`
	Value   interface{} `json:"value"`
}

// WriteResponse is the JSON response after a write.
type WriteResponse struct {
	Connection string `json:"connection"`
	Address    string `json:"address"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// PollResponse pairs the last snapshot of a poll with its statistics.
type PollResponse struct {
	poller.Snapshot
	Reads     uint64 `json:"reads"`
	Changes   uint64 `json:"changes"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

type handlers struct {
	backend Backend
	hub     *Hub
}

// NewRouter creates the REST API router. hub may be nil, in which case
// /events is not served.
func NewRouter(backend Backend, users []config.APIUser, hub *Hub) chi.Router {
	r := chi.NewRouter()
	h := &handlers{backend: backend, hub: hub}

	r.Use(middleware.Recoverer)
	r.Use(basicAuth(users))

	r.Get("/connections", h.handleListConnections)
	r.Route("/connections/{name}", func(r chi.Router) {
		r.Get("/", h.handleConnection)
		r.Get("/read", h.handleRead)
		r.With(requireWrite).Post("/write", h.handleWrite)
	})
	r.Get("/polls", h.handleListPolls)
	r.Get("/polls/{connection}/{poll}", h.handlePoll)
	if hub != nil {
		r.Get("/events", h.handleSSE)
	}
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusFor maps an S7 or poller error to an HTTP status.
func statusFor(err error) int {
	var rerr *s7.ResultError
	switch {
	case errors.Is(err, poller.ErrUnknownConnection):
		return http.StatusNotFound
	case errors.Is(err, s7.ErrInvalidArgument), errors.Is(err, s7.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.As(err, &rerr):
		return http.StatusBadGateway
	case errors.Is(err, s7.ErrInterrupted):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func connectionResponse(c *poller.Connection) ConnectionResponse {
	cfg := c.Config()
	resp := ConnectionResponse{
		Name:      cfg.Name,
		Address:   cfg.Address,
		Family:    cfg.Family,
		Rack:      cfg.Rack,
		Slot:      cfg.Slot,
		Status:    c.Status().String(),
		PDULength: c.PDULength(),
		Polls:     []string{},
	}
	for _, p := range c.Polls() {
		resp.Polls = append(resp.Polls, p.Name)
	}
	if err := c.Error(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (h *handlers) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.backend.Connections()
	resp := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		resp = append(resp, connectionResponse(c))
	}
	writeJSON(w, resp)
}

func (h *handlers) handleConnection(w http.ResponseWriter, r *http.Request) {
	c := h.backend.Connection(chi.URLParam(r, "name"))
	if c == nil {
		writeError(w, http.StatusNotFound, "connection not found")
		return
	}
	writeJSON(w, connectionResponse(c))
}

// readTarget builds the address from ?address= or the area parameters.
func readTarget(r *http.Request) (*s7.Address, error) {
	q := r.URL.Query()
	pc := config.PollConfig{
		Name:    "request",
		Address: q.Get("address"),
		Area:    q.Get("area"),
		Type:    q.Get("type"),
	}
	if pc.Address == "" {
		for _, f := range []struct {
			key string
			dst *int
		}{{"db", &pc.DB}, {"offset", &pc.Offset}, {"length", &pc.Length}} {
			v := q.Get(f.key)
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid %s %q", s7.ErrInvalidArgument, f.key, v)
			}
			*f.dst = n
		}
	}
	return pc.Target()
}

func (h *handlers) handleRead(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	addr, err := readTarget(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	v, err := h.backend.ReadAddress(ctx, name, addr)
	if err != nil {
		logging.DebugLog("api", "read %s %s: %v", name, addr, err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := ReadResponse{
		Connection: name,
		Address:    addr.String(),
		Type:       addr.Type.String(),
		Raw:        hex.EncodeToString(v.Bytes),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if val, err := v.GoValue(); err == nil {
		resp.Value = val
	}
	writeJSON(w, resp)
}

// writeTarget resolves the request into an address. For area writes the
// length is taken from the encoded bytes.
func writeTarget(req WriteRequest) (*s7.Address, error) {
	if req.Address != "" {
		pc := config.PollConfig{Name: "request", Address: req.Address, Type: req.Type}
		return pc.Target()
	}
	data, err := s7.Encode(s7.TypeRaw, req.Value, 0)
	if err != nil {
		return nil, err
	}
	pc := config.PollConfig{Name: "request", Area: req.Area, DB: req.DB, Offset: req.Offset, Length: len(data)}
	return pc.Target()
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resp := WriteResponse{Connection: name}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = "invalid JSON: " + err.Error()
		resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(resp)
		return
	}

	status := http.StatusOK
	addr, err := writeTarget(req)
	if err != nil {
		status = http.StatusBadRequest
	} else {
		resp.Address = addr.String()
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		err = h.backend.WriteAddress(ctx, name, addr, req.Value)
		cancel()
		if err != nil {
			status = statusFor(err)
		}
	}
	if err != nil {
		resp.Error = err.Error()
		logging.DebugLog("api", "write %s %s: %v", name, req.Address, err)
	} else {
		resp.Success = true
	}
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *handlers) pollResponse(snap poller.Snapshot, stats map[string]poller.PollStats) PollResponse {
	st := stats[snap.Key()]
	return PollResponse{
		Snapshot:  snap,
		Reads:     st.Reads,
		Changes:   st.Changes,
		Errors:    st.Errors,
		LastError: st.LastError,
	}
}

func (h *handlers) handleListPolls(w http.ResponseWriter, r *http.Request) {
	snaps := h.backend.Snapshots()
	stats := h.backend.Stats()
	resp := make([]PollResponse, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, h.pollResponse(s, stats))
	}
	writeJSON(w, resp)
}

func (h *handlers) handlePoll(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.backend.Snapshot(chi.URLParam(r, "connection"), chi.URLParam(r, "poll"))
	if !ok {
		writeError(w, http.StatusNotFound, "poll not found or not read yet")
		return
	}
	writeJSON(w, h.pollResponse(snap, h.backend.Stats()))
}
