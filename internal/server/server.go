// Package server implements the HTTP/1.0 accept loop and connection
// handler: the raw net.Conn plumbing, trace-header injection, the wall
// clock response cap, and the built-in routes (/status, /metrics,
// /metrics/prom, /help, /jobs/*) layered over the command registry.
// One goroutine per accepted connection; HandleConn parses exactly one
// request and closes.
package server

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p01/dispatchd/internal/config"
	"github.com/p01/dispatchd/internal/dispatch"
	"github.com/p01/dispatchd/internal/envelope"
	"github.com/p01/dispatchd/internal/httpproto"
	"github.com/p01/dispatchd/internal/ids"
	"github.com/p01/dispatchd/internal/jobs"
	"github.com/p01/dispatchd/internal/metrics"
	"github.com/p01/dispatchd/internal/registry"
	"go.opentelemetry.io/otel/trace"
)

// Server owns every piece a connection handler needs: the command
// registry, the dispatcher, the job registry, the metrics sink, the
// tracer, the logger and the resolved configuration.
type Server struct {
	reg        *registry.Registry
	dispatcher *dispatch.Manager
	jobsMgr    *jobs.Manager
	sink       *metrics.Sink
	tracer     trace.Tracer
	logger     *slog.Logger
	cfg        config.Config

	startedAt time.Time
	connCount atomic.Int64

	mu sync.Mutex
	ln net.Listener
}

func New(reg *registry.Registry, dispatcher *dispatch.Manager, jobsMgr *jobs.Manager, sink *metrics.Sink, tracer trace.Tracer, logger *slog.Logger, cfg config.Config) *Server {
	return &Server{
		reg:        reg,
		dispatcher: dispatcher,
		jobsMgr:    jobsMgr,
		sink:       sink,
		tracer:     tracer,
		logger:     logger,
		cfg:        cfg,
		startedAt:  time.Now(),
	}
}

// ListenAndServe accepts connections on addr until Accept fails (typically
// because Close stopped the listener during shutdown).
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		s.connCount.Add(1)
		go s.HandleConn(conn)
	}
}

// Close stops the listener so a blocked ListenAndServe returns. Safe to call
// before ListenAndServe has installed a listener (graceful shutdown racing
// startup), in which case it is a no-op.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func pid() int { return os.Getpid() }

// traceHeaders builds the X-Request-Id/X-Worker-Pid pair every response
// carries. workerID is -1 for responses not produced by a specific command
// worker (built-ins, job-registry glue), rendered as "<pid>:-".
func traceHeaders(requestID string, workerID int) map[string]string {
	tag := "-"
	if workerID >= 0 {
		tag = strconv.Itoa(pid()) + ":" + strconv.Itoa(workerID)
	} else {
		tag = strconv.Itoa(pid()) + ":-"
	}
	return map[string]string{
		"X-Request-Id": requestID,
		"X-Worker-Pid": tag,
	}
}

func requestID(req *httpproto.Request) string {
	if v, ok := req.Header["x-request-id"]; ok && ids.ValidInbound(v) {
		return v
	}
	return ids.NewRequestID()
}

// HandleConn parses exactly one HTTP/1.0 request off c, routes it, writes
// the response and closes the connection — this protocol never keeps a
// connection open past one request/response.
func (s *Server) HandleConn(c net.Conn) {
	defer c.Close()

	r := bufio.NewReader(c)
	req, err := httpproto.ParseRequest(r)
	if err != nil {
		s.writeParseError(c, err)
		return
	}

	reqID := requestID(req)
	path, query := httpproto.SplitTarget(req.Target)
	params := httpproto.ParseQuery(query)
	elide := req.Method == "HEAD"

	resp := s.route(path, params, reqID, elide)
	if err := httpproto.Write(c, resp); err != nil {
		s.logger.Debug("write response failed", "error", err, "request_id", reqID)
	}
}

func (s *Server) writeParseError(c net.Conn, err error) {
	reqID := ids.NewRequestID()
	headers := traceHeaders(reqID, -1)
	var kind envelope.Kind
	switch err {
	case httpproto.ErrTooLarge:
		kind = envelope.KindPayloadTooLarge
	case httpproto.ErrBadMethod:
		kind = envelope.KindMethodNotAllowed
		headers["Allow"] = "GET, HEAD"
	case httpproto.ErrBadProto, httpproto.ErrBadRequest:
		kind = envelope.KindBadRequest
	default:
		kind = envelope.KindBadRequest
	}
	herr := envelope.NewError(kind, err.Error())
	body := envelope.Error("", reqID, herr)
	_ = httpproto.Write(c, httpproto.JSON(envelope.Status(herr), body, headers, false))
}

// route dispatches a parsed request target to the matching built-in or
// command handler and returns a fully-formed Response.
func (s *Server) route(path string, params map[string]string, reqID string, elide bool) httpproto.Response {
	switch path {
	case "/status":
		return s.handleStatus(reqID, elide)
	case "/metrics":
		return s.handleMetrics(reqID, elide)
	case "/metrics/prom":
		return s.handleMetricsProm(elide)
	case "/help":
		return s.handleHelp(reqID, elide)
	case "/jobs/submit":
		return s.handleJobsSubmit(params, reqID, elide)
	case "/jobs/status":
		return s.handleJobsStatus(params, reqID, elide)
	case "/jobs/result":
		return s.handleJobsResult(params, reqID, elide)
	case "/jobs/cancel":
		return s.handleJobsCancel(params, reqID, elide)
	case "/jobs/list":
		return s.handleJobsList(reqID, elide)
	default:
		return s.handleCommand(path, params, reqID, elide)
	}
}

func jsonResponse(status int, body []byte, headers map[string]string, elide bool) httpproto.Response {
	return httpproto.JSON(status, body, headers, elide)
}

func (s *Server) handleStatus(reqID string, elide bool) httpproto.Response {
	out := metrics.Status(s.dispatcher, s.startedAt, pid(), s.connCount.Load())
	b := envelope.Success("status", reqID, 0, out)
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}

func (s *Server) handleMetrics(reqID string, elide bool) httpproto.Response {
	out := metrics.Metrics(s.dispatcher, s.jobsMgr, s.cfg, s.startedAt, pid(), s.connCount.Load())
	b := envelope.Success("metrics", reqID, 0, out)
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}

func (s *Server) handleMetricsProm(elide bool) httpproto.Response {
	body, contentType, err := s.sink.RenderProm(s.jobsMgr)
	if err != nil {
		return httpproto.Plain(500, "internal error rendering metrics\n", nil, elide)
	}
	return httpproto.Response{Status: 200, ContentType: contentType, Body: body, Elide: elide}
}

// helpEntry is one /help row: the command's name, declared nature/
// determinism and its parameter specs — read straight off the registry,
// no I/O.
type helpEntry struct {
	Command       string          `json:"command"`
	Nature        registry.Nature `json:"nature"`
	Deterministic bool            `json:"deterministic"`
	Params        []helpParam     `json:"params"`
}

type helpParam struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
}

func (s *Server) handleHelp(reqID string, elide bool) httpproto.Response {
	handlers := s.reg.All()
	entries := make([]helpEntry, 0, len(handlers))
	for _, h := range handlers {
		params := make([]helpParam, 0, len(h.Params))
		for _, p := range h.Params {
			params = append(params, helpParam{Name: p.Name, Required: p.Required, Default: p.Default})
		}
		entries = append(entries, helpEntry{
			Command:       h.Name,
			Nature:        h.Nature,
			Deterministic: h.Deterministic,
			Params:        params,
		})
	}
	b := envelope.Success("help", reqID, 0, entries)
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}

func (s *Server) handleCommand(path string, params map[string]string, reqID string, elide bool) httpproto.Response {
	name := path
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	h, ok := s.reg.Resolve(name)
	if !ok {
		herr := envelope.NewError(envelope.KindNotFound, "unknown command "+name)
		return jsonResponse(envelope.Status(herr), envelope.Error(name, reqID, herr), traceHeaders(reqID, -1), elide)
	}

	parsed, perr := h.Parse(params)
	if perr != nil {
		herr := perr.ToHandlerError()
		return jsonResponse(envelope.Status(herr), envelope.Error(name, reqID, herr), traceHeaders(reqID, -1), elide)
	}

	deadline := time.Now().Add(time.Duration(s.cfg.TaskTimeoutMS) * time.Millisecond)
	task := dispatch.NewTask(ids.NewRequestID(), name, parsed, deadline, reqID, "")

	wallClockCap := time.Duration(s.cfg.TaskTimeoutMS)*time.Millisecond + 250*time.Millisecond
	out, headers, herr := s.submitWithWallClockCap(name, task, wallClockCap, reqID)
	if herr != nil {
		return jsonResponse(envelope.Status(herr), envelope.Error(name, reqID, herr), headers, elide)
	}
	b := envelope.Success(name, reqID, out.ElapsedMS, out.Result)
	return jsonResponse(200, b, headers, elide)
}

// submitWithWallClockCap enforces the front-end's additional wall clock
// cap on waiting for the worker's answer (task_timeout_ms + 250ms grace).
// If it elapses first, the client gets a 504 immediately and the worker
// is left to finish into a sink nobody reads again (at-most-once
// observable).
func (s *Server) submitWithWallClockCap(command string, task *dispatch.Task, wallClockCap time.Duration, reqID string) (dispatch.Outcome, map[string]string, *envelope.HandlerError) {
	p, ok := s.dispatcher.Pool(command)
	if !ok {
		return dispatch.Outcome{}, traceHeaders(reqID, -1), envelope.NewError(envelope.KindNotFound, "unknown command "+command)
	}
	if err := p.Submit(task); err != nil {
		headers := traceHeaders(reqID, -1)
		if err.Kind == envelope.KindBackpressure {
			headers["Retry-After"] = strconv.Itoa(s.cfg.RetryAfterMS)
		}
		return dispatch.Outcome{}, headers, err
	}

	select {
	case out := <-task.Sink:
		return out, traceHeaders(reqID, out.WorkerID), nil
	case <-time.After(wallClockCap):
		return dispatch.Outcome{}, traceHeaders(reqID, -1), envelope.NewError(envelope.KindTimeout, "wall clock cap exceeded")
	}
}

func (s *Server) handleJobsSubmit(params map[string]string, reqID string, elide bool) httpproto.Response {
	command, ok := params["task"]
	if !ok {
		herr := envelope.NewError(envelope.KindBadRequest, "task is required")
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.submit", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	rest := make(map[string]string, len(params))
	for k, v := range params {
		if k == "task" {
			continue
		}
		rest[k] = v
	}
	jobID, herr := s.jobsMgr.Submit(command, rest)
	if herr != nil {
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.submit", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	b := envelope.Success("jobs.submit", reqID, 0, map[string]any{"job_id": jobID})
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}

func jobIDParam(params map[string]string) (string, *envelope.HandlerError) {
	id, ok := params["id"]
	if !ok || id == "" {
		return "", envelope.NewError(envelope.KindBadRequest, "id is required")
	}
	return id, nil
}

func (s *Server) handleJobsStatus(params map[string]string, reqID string, elide bool) httpproto.Response {
	id, herr := jobIDParam(params)
	if herr != nil {
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.status", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	view, ok := s.jobsMgr.Status(id)
	if !ok {
		herr := envelope.NewError(envelope.KindNotFound, "unknown job "+id)
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.status", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	b := envelope.Success("jobs.status", reqID, 0, view)
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}

func (s *Server) handleJobsResult(params map[string]string, reqID string, elide bool) httpproto.Response {
	id, herr := jobIDParam(params)
	if herr != nil {
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.result", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	result, jobErr, err := s.jobsMgr.Result(id)
	if err != nil {
		var kind envelope.Kind
		switch err {
		case jobs.ErrNotFound:
			kind = envelope.KindNotFound
		case jobs.ErrResultConflict:
			kind = envelope.KindConflict
		default:
			kind = envelope.KindInternal
		}
		herr := envelope.NewError(kind, err.Error())
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.result", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	if jobErr != "" {
		b := envelope.Error("jobs.result", reqID, envelope.NewError(envelope.KindInternal, jobErr))
		return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
	}
	b := envelope.Success("jobs.result", reqID, 0, json.RawMessage(result))
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}

func (s *Server) handleJobsCancel(params map[string]string, reqID string, elide bool) httpproto.Response {
	id, herr := jobIDParam(params)
	if herr != nil {
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.cancel", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	status, err := s.jobsMgr.Cancel(id)
	if err != nil {
		herr := envelope.NewError(envelope.KindNotFound, "unknown job "+id)
		return jsonResponse(envelope.Status(herr), envelope.Error("jobs.cancel", reqID, herr), traceHeaders(reqID, -1), elide)
	}
	b := envelope.Success("jobs.cancel", reqID, 0, map[string]any{"job_id": id, "status": status})
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}

func (s *Server) handleJobsList(reqID string, elide bool) httpproto.Response {
	b := envelope.Success("jobs.list", reqID, 0, s.jobsMgr.List())
	return jsonResponse(200, b, traceHeaders(reqID, -1), elide)
}
