package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/baiirun/ahq/internal/agents"
	"github.com/baiirun/ahq/internal/dispatch"
	"github.com/baiirun/ahq/internal/hq"
	"github.com/baiirun/ahq/internal/ledger"
	"github.com/baiirun/ahq/internal/protocol"
	"github.com/baiirun/ahq/internal/store"
)

const (
	requestIDHeader = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// Routes.
const (
	RouteRegister    = "/register"
	RouteAvailable   = "/available/{token}"
	RouteBusy        = "/busy/{token}"
	RoutePing        = "/ping/{token}"
	RouteAllocate    = "/allocate"
	RouteDispatch    = "/dispatch"
	RouteAgents      = "/agents"
	RouteAgent       = "/agents/{id}"
	RouteAgentEvents = "/agents/{id}/events"
	RouteQueue       = "/queue"
	RouteSession     = "/sessions/{id}"
	RouteSessionWait = "/sessions/{id}/result"
	RouteSessionLog  = "/sessions/{id}/log"
	RouteHealth      = "/health"
)

var errBadRequest = errors.New("bad request")

func (d *Daemon) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(d.logRequests)

	// Agent surface.
	r.HandleFunc(RouteRegister, d.handleRegister).Methods(http.MethodPost)
	r.HandleFunc(RouteAvailable, d.handleCheckIn(agents.EventAvailable)).Methods(http.MethodPost)
	r.HandleFunc(RouteBusy, d.handleCheckIn(agents.EventBusy)).Methods(http.MethodPost)
	r.HandleFunc(RoutePing, d.handlePing).Methods(http.MethodPost)

	// Job server surface.
	r.HandleFunc(RouteAllocate, d.handleAllocate).Methods(http.MethodPost)
	r.HandleFunc(RouteDispatch, d.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc(RouteSessionWait, d.handleResult).Methods(http.MethodGet)

	// Operator views.
	r.HandleFunc(RouteAgents, d.handleListAgents).Methods(http.MethodGet)
	r.HandleFunc(RouteAgentEvents, d.handleAgentEvents).Methods(http.MethodGet)
	r.HandleFunc(RouteAgent, d.handleAgent).Methods(http.MethodGet)
	r.HandleFunc(RouteQueue, d.handleQueue).Methods(http.MethodGet)
	r.HandleFunc(RouteSessionLog, d.handleSessionLog).Methods(http.MethodGet)
	r.HandleFunc(RouteSession, d.handleSession).Methods(http.MethodGet)
	r.HandleFunc(RouteHealth, d.handleHealth).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (d *Daemon) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		d.log.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration", time.Since(start), "request_id", id)
	})
}

func (d *Daemon) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := decodeBody(r, &req, false); err != nil {
		d.writeError(w, r, err)
		return
	}
	if req.Host == "" {
		req.Host = remoteHost(r)
	}

	a, token, err := d.hq.Register(r.Context(), agents.Registration{
		ID:     req.ID,
		Nick:   req.Nick,
		Host:   req.Host,
		Port:   req.Port,
		Labels: req.Labels,
	})
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, protocol.RegisterResponse{AgentID: a.ID, Token: token, Nick: a.Nick})
}

func (d *Daemon) handleCheckIn(status agents.Event) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req protocol.CheckInRequest
		if err := decodeBody(r, &req, true); err != nil {
			d.writeError(w, r, err)
			return
		}

		res, err := d.hq.CheckIn(r.Context(), hq.CheckIn{
			Token:     mux.Vars(r)["token"],
			Status:    status,
			SessionID: req.SessionID,
			Result:    ledger.Result(req.Result),
			Output:    req.Output,
		})
		if err != nil {
			d.writeError(w, r, err)
			return
		}
		writeResult(w, http.StatusOK, protocol.CheckInResponse{
			AgentID:   res.AgentID,
			State:     string(res.State),
			SessionID: res.SessionID,
			Dispatch:  res.Dispatch,
		})
	}
}

func (d *Daemon) handlePing(w http.ResponseWriter, r *http.Request) {
	id, err := d.hq.Ping(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, protocol.PingResponse{AgentID: id})
}

func (d *Daemon) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req protocol.AllocateRequest
	if err := decodeBody(r, &req, false); err != nil {
		d.writeError(w, r, err)
		return
	}

	alloc, err := d.hq.Allocate(r.Context(), hq.AllocateRequest{
		SessionID: req.SessionID,
		Labels:    req.Labels,
		Payload:   req.Payload,
	})
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	resp := protocol.AllocateResponse{Status: alloc.Status, SessionID: alloc.SessionID, EntryID: alloc.EntryID}
	if alloc.Agent != nil {
		resp.AgentID = alloc.Agent.ID
		resp.Nick = alloc.Agent.Nick
		resp.Address = alloc.Agent.Address()
	}
	writeResult(w, http.StatusOK, resp)
}

func (d *Daemon) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := decodeBody(r, &req, false); err != nil {
		d.writeError(w, r, err)
		return
	}

	res, err := d.hq.Submit(r.Context(), hq.SubmitRequest{
		SessionID: req.SessionID,
		BuildID:   req.BuildID,
		Job:       req.Job,
		Labels:    req.Labels,
		Env:       req.Env,
		Args:      req.Args,
		Kwargs:    req.Kwargs,
	})
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	resp := protocol.SubmitResponse{SessionID: res.SessionID, State: string(res.State), Ack: res.Ack}
	if res.Agent != nil {
		resp.AgentID = res.Agent.ID
		resp.Address = res.Agent.Address()
	}
	writeResult(w, http.StatusOK, resp)
}

// handleResult blocks until the session is done, the ?wait= duration
// passes, or the client goes away. On timeout the current record is
// returned; callers check its state.
func (d *Daemon) handleResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			d.writeError(w, r, fmt.Errorf("%w: wait must be a non-negative duration, got %q", errBadRequest, raw))
			return
		}
		if wait == 0 {
			d.handleSession(w, r)
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	s, err := d.hq.WaitResult(ctx, mux.Vars(r)["id"])
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, s)
}

func (d *Daemon) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := d.hq.Agents(r.Context())
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, list)
}

func (d *Daemon) handleAgent(w http.ResponseWriter, r *http.Request) {
	a, err := d.hq.Agent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, a)
}

// handleAgentEvents returns buffered activity, optionally only entries
// after ?since= (RFC 3339).
func (d *Daemon) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := d.hq.Agent(r.Context(), id); err != nil {
		d.writeError(w, r, err)
		return
	}

	events := d.events.Events(id)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			d.writeError(w, r, fmt.Errorf("%w: since must be RFC 3339, got %q", errBadRequest, raw))
			return
		}
		events = d.events.EventsSince(id, since)
	}
	if events == nil {
		events = []hq.Activity{}
	}
	writeResult(w, http.StatusOK, events)
}

func (d *Daemon) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := d.hq.Queue(r.Context())
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entries)
}

func (d *Daemon) handleSession(w http.ResponseWriter, r *http.Request) {
	s, err := d.hq.Session(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, s)
}

func (d *Daemon) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	entries, err := d.hq.SessionLog(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		d.writeError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entries)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := d.hq.Health(r.Context()); err != nil {
		d.log.Error("health check failed", "error", err)
		writeFailure(w, http.StatusServiceUnavailable, "store unreachable: "+err.Error())
		return
	}
	writeResult(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

// decodeBody reads a JSON body into v and validates it. An empty body is
// accepted only when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if !errors.Is(err, io.EOF) || !optional {
			return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
		}
	}
	if err := protocol.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var derr *dispatch.Error
	switch {
	case errors.Is(err, agents.ErrNotFound),
		errors.Is(err, agents.ErrInvalidToken),
		errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, hq.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrContention),
		errors.Is(err, hq.ErrSessionState),
		errors.Is(err, ledger.ErrRegression):
		return http.StatusConflict
	case errors.As(err, &derr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (d *Daemon) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		d.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		d.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeFailure(w, status, err.Error())
}

func writeResult(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeFailure(w, http.StatusInternalServerError, fmt.Sprintf("encoding result: %v", err))
		return
	}
	writeEnvelope(w, status, protocol.Response{Success: true, Result: data})
}

func writeFailure(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, protocol.Response{Success: false, Error: msg})
}

func writeEnvelope(w http.ResponseWriter, status int, resp protocol.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
