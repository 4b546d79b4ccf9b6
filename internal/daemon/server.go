// Package daemon implements the superd control server. It listens on a
// Unix Domain Socket, reads one JSON-RPC request per connection and
// dispatches it to the method registry.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"pkt.systems/pslog"

	"superd/internal/fault"
	"superd/internal/host"
	"superd/internal/provision"
	"superd/pkg/protocol"
)

// readTimeout bounds how long a client may take to send its request line.
const readTimeout = 30 * time.Second

var chmodSocket = os.Chmod

// Options wires a Server to its collaborators.
type Options struct {
	Config      *Config
	ConfigPath  string // watched for hot reload when set
	Host        *host.Host
	Provisioner *provision.Provisioner
	Logger      pslog.Logger
}

// Server is the superd RPC server.
type Server struct {
	config   *Config
	registry *Registry
	state    *State
	metrics  *Metrics
	audit    *AuditLogger
	api      *APIServer
	watcher  *ConfigWatcher
	host     *host.Host
	logger   pslog.Logger

	timeouts atomic.Pointer[TimeoutsConfig]
	handled  atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	conns  conc.WaitGroup
	bg     conc.WaitGroup
}

// NewServer builds a server and registers every method.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		opts.Config = DefaultConfig()
	}
	if opts.Host == nil || opts.Provisioner == nil {
		return nil, errors.New("host and provisioner are required")
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	logger := opts.Logger.With("component", "server")

	audit, err := NewAuditLogger(opts.Config.AuditLog)
	if err != nil {
		return nil, fmt.Errorf("create audit logger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config:   opts.Config,
		registry: NewRegistry(),
		state:    NewState(),
		metrics:  NewMetrics(),
		audit:    audit,
		host:     opts.Host,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	timeouts := opts.Config.Timeouts
	srv.timeouts.Store(&timeouts)
	srv.metrics.setFirewall(srv.state.FirewallActive())
	srv.state.OnFirewallChange(srv.metrics.setFirewall)

	h := &handlers{
		host:       opts.Host,
		vhosts:     opts.Provisioner,
		state:      srv.state,
		phpVersion: opts.Config.PHP.DefaultVersion,
	}
	for _, m := range h.methods() {
		if err := srv.registry.Register(m); err != nil {
			cancel()
			audit.Close()
			return nil, err
		}
	}

	if opts.ConfigPath != "" {
		watcher, err := NewConfigWatcher(opts.ConfigPath, opts.Config, opts.Logger)
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		} else {
			watcher.OnReload(srv.applyConfig)
			srv.watcher = watcher
		}
	}

	if opts.Config.APIAddr != "" {
		srv.api = NewAPIServer(srv, opts.Config.APIAddr, opts.Logger)
	}

	return srv, nil
}

// Registry returns the method registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// State returns the shared daemon state.
func (s *Server) State() *State {
	return s.state
}

// applyConfig takes the reloadable parts of a new config. The socket,
// layout and sandbox root only change on restart.
func (s *Server) applyConfig(cfg *Config) {
	s.host.SetAllowedServices(cfg.Services.Allowed)
	s.host.SetLogPaths(cfg.Logs)
	timeouts := cfg.Timeouts
	s.timeouts.Store(&timeouts)
	s.logger.Info("config reloaded", "allowed_services", len(cfg.Services.Allowed))
}

// ListenAndServe binds the socket and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := s.listen()
	if err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		return err
	}
	return s.Serve(ln)
}

func (s *Server) listen() (net.Listener, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	path := s.config.SocketPath

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	mode, err := s.config.SocketFileMode()
	if err != nil {
		ln.Close()
		return nil, err
	}
	if err := chmodSocket(path, mode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	if s.config.SocketGroup != "" {
		if err := chownGroup(path, s.config.SocketGroup); err != nil {
			s.logger.Warn("could not set socket group", "group", s.config.SocketGroup, "err", err)
		}
	}
	return ln, nil
}

func chownGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}
	return os.Chown(path, -1, gid)
}

// Serve accepts connections on ln until Shutdown. Each connection is
// handled on its own goroutine. Serve returns at once, closing ln and
// removing its socket file, if Shutdown has already been called.
func (s *Server) Serve(ln net.Listener) error {
	if !s.start(ln) {
		ln.Close()
		removeSocket(ln)
		return nil
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept error", "err", err)
			continue
		}

		s.conns.Go(func() {
			s.handleConnection(conn)
		})
	}
}

// start records ln and starts the API server and config watcher. Shutdown
// cancels the context before taking s.mu, so either everything started here
// is visible to it or start sees the cancellation and starts nothing.
func (s *Server) start(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.listener = ln
	s.started = time.Now()

	s.logger.Info("listening", "socket", ln.Addr().String(), "methods", len(s.registry.Names()))

	if s.api != nil {
		s.bg.Go(func() {
			if err := s.api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http api server error", "err", err)
			}
		})
	}
	if s.watcher != nil {
		if err := s.watcher.Start(s.ctx); err != nil {
			s.logger.Warn("config watcher failed to start", "err", err)
		}
	}
	return true
}

func removeSocket(ln net.Listener) {
	if addr, ok := ln.Addr().(*net.UnixAddr); ok {
		os.Remove(addr.Name)
	}
}

// Uptime returns how long the server has been accepting connections.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Handled returns the number of requests answered since startup.
func (s *Server) Handled() uint64 {
	return s.handled.Load()
}

// Shutdown stops accepting, waits for in-flight requests and removes the
// socket file.
func (s *Server) Shutdown() {
	s.cancel()

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if s.api != nil {
		s.api.Shutdown()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if ln != nil {
		ln.Close()
	}

	s.conns.Wait()
	s.bg.Wait()
	s.audit.Close()

	if ln != nil {
		removeSocket(ln)
	}
	s.logger.Info("server stopped")
}

// handleConnection serves the single request carried by conn.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	peer := "unknown"
	if creds, err := extractPeerCreds(conn); err == nil {
		peer = creds.String()
	}

	req, err := protocol.ReadRequest(conn)
	if err != nil {
		s.metrics.malformed.Inc()
		s.logger.Debug("dropping connection", "peer", peer, "err", err)
		return
	}

	requestID := uuid.NewString()
	logger := s.logger.With("request_id", requestID, "method", req.Method)
	logger.Debug("request received", "peer", peer)

	s.metrics.inflight.Inc()
	start := time.Now()
	result, callErr := s.dispatch(req.Method, req.Params)
	elapsed := time.Since(start)
	s.metrics.inflight.Dec()

	entry := AuditEntry{
		RequestID: requestID,
		Method:    req.Method,
		ID:        req.ID,
		Peer:      peer,
		Duration:  float64(elapsed.Microseconds()) / 1000,
	}

	var resp *protocol.Response
	switch {
	case errors.Is(callErr, ErrMethodNotFound):
		entry.Outcome = "not_found"
		resp = protocol.NewError(req.ID, protocol.CodeMethodNotFound, "Method not found")
	case callErr != nil:
		kind := fault.KindOf(callErr)
		entry.Outcome = "error"
		entry.ErrorKind = kind.String()
		entry.Error = callErr.Error()
		if kind == fault.Internal {
			logger.Error("request failed", "err", callErr)
		} else {
			logger.Info("request failed", "kind", kind.String(), "err", callErr)
		}
		resp = protocol.NewError(req.ID, protocol.CodeApplication, callErr.Error())
	default:
		resp, err = protocol.NewResult(req.ID, result)
		if err != nil {
			logger.Error("could not encode result", "err", err)
			entry.Outcome = "error"
			entry.ErrorKind = fault.Internal.String()
			entry.Error = err.Error()
			resp = protocol.NewError(req.ID, protocol.CodeApplication, err.Error())
		} else {
			entry.Outcome = "ok"
		}
	}

	s.handled.Add(1)
	s.metrics.observe(metricMethod(s.registry, req.Method), entry.Outcome, elapsed)
	logger.Debug("request handled", "outcome", entry.Outcome, "elapsed", elapsed)
	if err := s.audit.Log(entry); err != nil {
		logger.Warn("audit write failed", "err", err)
	}

	if err := protocol.WriteResponse(conn, resp); err != nil {
		logger.Debug("write response failed", "err", err)
	}
}

// dispatch runs method under its timeout. A handler that overruns its
// deadline is reported as a timeout regardless of the error it returned.
func (s *Server) dispatch(method string, params json.RawMessage) (any, error) {
	limit := s.timeouts.Load().For(method)
	ctx, cancel := context.WithTimeout(s.ctx, limit)
	defer cancel()

	result, err := s.registry.Call(ctx, method, params)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fault.Wrap(fault.Timeout, err, fmt.Sprintf("%s timed out after %s", method, limit))
	}
	return result, err
}

// metricMethod keeps unknown names out of the label space.
func metricMethod(r *Registry, method string) string {
	if _, ok := r.Lookup(method); ok {
		return method
	}
	return "unknown"
}
