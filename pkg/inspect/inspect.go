// Package inspect implements the JSON-RPC 2.0 process console.
//
// The console exposes read-only introspection (process list, per-process
// state and memory statistics, kernel info, installed images) plus the
// stop/restart/terminate controls, served over HTTP.
//
// Supported methods:
//   - listProcesses, getProcess, getKernelInfo, listImages
//   - stopProcess, restartProcess, terminateProcess
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/flashstore"
	"github.com/patsv99/tock/pkg/kernel"
)

// JSON-RPC 2.0 constants.
const JSONRPCVersion = "2.0"

// JSON-RPC 2.0 standard error codes.
const (
	// ParseError indicates invalid JSON was received.
	ParseError = -32700

	// InvalidRequest indicates the JSON sent is not a valid Request.
	InvalidRequest = -32600

	// MethodNotFound indicates the method does not exist.
	MethodNotFound = -32601

	// InvalidParams indicates invalid method parameters.
	InvalidParams = -32602

	// InternalError indicates an internal JSON-RPC error.
	InternalError = -32603
)

// Console-specific error codes.
const (
	// NoSuchProcess indicates the process ID is unknown.
	NoSuchProcess = -32001

	// ControlFailed indicates a stop/restart/terminate was rejected.
	ControlFailed = -32002
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRPCError creates an error with a code and message.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Controller is the kernel surface the console exposes.
type Controller interface {
	Processes() []kernel.ProcessInfo
	Process(pid types.ProcessID) (kernel.ProcessInfo, bool)
	StopProcess(pid types.ProcessID) error
	RestartProcess(pid types.ProcessID) (types.ProcessID, error)
	TerminateProcess(pid types.ProcessID) error
	Ticks() uint64
}

// ImageLister exposes the installed image inventory. Optional.
type ImageLister interface {
	List() ([]flashstore.Meta, error)
}

// Config holds console server configuration.
type Config struct {
	// Addr is the listen address (host:port).
	Addr string

	// ReadTimeout is the maximum duration for reading a request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration for writing a response.
	WriteTimeout time.Duration

	// MaxRequestSize is the maximum request body size in bytes.
	MaxRequestSize int64

	// LogRequests enables request logging.
	LogRequests bool
}

// DefaultConfig returns the default console configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8190",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxRequestSize: 16 * 1024,
	}
}

// Server is the JSON-RPC process console.
type Server struct {
	config Config

	ctrl   Controller
	images ImageLister

	handlers map[string]handlerFunc

	server  *http.Server
	mu      sync.Mutex
	running bool
}

type handlerFunc func(params json.RawMessage) (interface{}, *RPCError)

// New creates a console server. images may be nil when no image store is
// attached; listImages then returns an empty inventory.
func New(config Config, ctrl Controller, images ImageLister) *Server {
	s := &Server{
		config:   config,
		ctrl:     ctrl,
		images:   images,
		handlers: make(map[string]handlerFunc),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["listProcesses"] = s.listProcesses
	s.handlers["getProcess"] = s.getProcess
	s.handlers["getKernelInfo"] = s.getKernelInfo
	s.handlers["listImages"] = s.listImages
	s.handlers["stopProcess"] = s.stopProcess
	s.handlers["restartProcess"] = s.restartProcess
	s.handlers["terminateProcess"] = s.terminateProcess
}

// Handler returns the console's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	return mux
}

// Start serves the console until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("console already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if s.config.LogRequests {
		log.Printf("[inspect] console listening on %s", s.config.Addr)
	}

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the console down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize))
	if err != nil {
		s.writeError(w, nil, NewRPCError(ParseError, "read request"))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, NewRPCError(ParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != JSONRPCVersion {
		s.writeError(w, req.ID, NewRPCError(InvalidRequest, "invalid jsonrpc version"))
		return
	}

	if s.config.LogRequests {
		log.Printf("[inspect] %s id=%v", req.Method, req.ID)
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		s.writeError(w, req.ID, NewRPCError(MethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
		return
	}

	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		s.writeError(w, req.ID, rpcErr)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: JSONRPCVersion, ID: id, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, err *RPCError) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: JSONRPCVersion, ID: id, Error: err})
}

// pidParams is the parameter shape of every per-process method.
type pidParams struct {
	PID uint32 `json:"pid"`
}

func parsePID(params json.RawMessage) (types.ProcessID, *RPCError) {
	var p pidParams
	if err := json.Unmarshal(params, &p); err != nil || p.PID == 0 {
		return 0, NewRPCError(InvalidParams, "expected {\"pid\": n}")
	}
	return types.ProcessID(p.PID), nil
}

func (s *Server) listProcesses(_ json.RawMessage) (interface{}, *RPCError) {
	infos := s.ctrl.Processes()
	if infos == nil {
		infos = []kernel.ProcessInfo{}
	}
	return infos, nil
}

func (s *Server) getProcess(params json.RawMessage) (interface{}, *RPCError) {
	pid, rpcErr := parsePID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	info, ok := s.ctrl.Process(pid)
	if !ok {
		return nil, NewRPCError(NoSuchProcess, fmt.Sprintf("no process %d", pid))
	}
	return info, nil
}

func (s *Server) getKernelInfo(_ json.RawMessage) (interface{}, *RPCError) {
	infos := s.ctrl.Processes()
	live := 0
	for _, info := range infos {
		if info.State != "terminated" {
			live++
		}
	}
	return map[string]interface{}{
		"ticks":          s.ctrl.Ticks(),
		"processes":      len(infos),
		"live_processes": live,
	}, nil
}

func (s *Server) listImages(_ json.RawMessage) (interface{}, *RPCError) {
	if s.images == nil {
		return []flashstore.Meta{}, nil
	}
	metas, err := s.images.List()
	if err != nil {
		return nil, NewRPCError(InternalError, fmt.Sprintf("list images: %v", err))
	}
	if metas == nil {
		metas = []flashstore.Meta{}
	}
	return metas, nil
}

func (s *Server) stopProcess(params json.RawMessage) (interface{}, *RPCError) {
	pid, rpcErr := parsePID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ctrl.StopProcess(pid); err != nil {
		return nil, NewRPCError(ControlFailed, fmt.Sprintf("stop %d: %v", pid, err))
	}
	return map[string]interface{}{"stopped": uint32(pid)}, nil
}

func (s *Server) restartProcess(params json.RawMessage) (interface{}, *RPCError) {
	pid, rpcErr := parsePID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	newPID, err := s.ctrl.RestartProcess(pid)
	if err != nil {
		return nil, NewRPCError(ControlFailed, fmt.Sprintf("restart %d: %v", pid, err))
	}
	return map[string]interface{}{"pid": uint32(newPID)}, nil
}

func (s *Server) terminateProcess(params json.RawMessage) (interface{}, *RPCError) {
	pid, rpcErr := parsePID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.ctrl.TerminateProcess(pid); err != nil {
		return nil, NewRPCError(ControlFailed, fmt.Sprintf("terminate %d: %v", pid, err))
	}
	return map[string]interface{}{"terminated": uint32(pid)}, nil
}
