package runner

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// Socket.io event names of the runner agent protocol. A request is emitted
// as `run` with an `id`; the agent answers with a `result` carrying the same
// id.
const (
	EventRun    = "run"
	EventResult = "result"
)

// SocketIOConfig describes a remote runner agent.
type SocketIOConfig struct {
	URL                string
	Namespace          string
	Timeout            time.Duration
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// reply is the agent's answer to one request.
type reply struct {
	ID       string `json:"id"`
	Output   string `json:"output"`
	Verdict  string `json:"verdict,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// SocketIO is a Runner backed by a socket.io connection to a runner agent.
// It multiplexes concurrent requests over one connection by request id.
type SocketIO struct {
	client  *socket.Socket
	timeout time.Duration
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan reply
}

// DialSocketIO connects to the agent and waits for the connection to be
// established.
func DialSocketIO(ctx context.Context, cfg SocketIOConfig) (*SocketIO, error) {
	logger := ctxlog.FromContext(ctx).With("runner", "socketio", "url", cfg.URL)
	logger.Info("Connecting to runner agent...")

	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, tuneerr.Configf("socketio runner url: %v", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	r := &SocketIO{
		client:  io,
		timeout: cfg.Timeout,
		pending: make(map[string]chan reply),
	}

	connectChan := make(chan error, 1)
	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Connected to runner agent", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error = fmt.Errorf("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})
	io.On(types.EventName(EventResult), func(data ...any) {
		r.dispatch(ctx, data)
	})

	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return r, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection")
	case <-time.After(cfg.ConnectTimeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", cfg.ConnectTimeout)
	}
}

// dispatch routes a `result` event to the waiting request.
func (r *SocketIO) dispatch(ctx context.Context, data []any) {
	logger := ctxlog.FromContext(ctx)
	if len(data) == 0 {
		logger.Warn("Runner agent sent an empty result event")
		return
	}
	raw, err := json.Marshal(data[0])
	if err != nil {
		logger.Warn("Runner agent result is not encodable", "error", err)
		return
	}
	var rep reply
	if err := json.Unmarshal(raw, &rep); err != nil {
		logger.Warn("Runner agent result is malformed", "error", err)
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[rep.ID]
	delete(r.pending, rep.ID)
	r.mu.Unlock()
	if !ok {
		logger.Debug("Dropping result for unknown request", "id", rep.ID)
		return
	}
	ch <- rep
}

// Run emits the request and waits for its result. Time-boxed calls resolve
// with TimedOut after the configured timeout.
func (r *SocketIO) Run(ctx context.Context, req Request) (Result, error) {
	logger := ctxlog.FromContext(ctx).With("runner", "socketio", "action", req.Action, "worker", req.Worker.ID)

	params, err := Payload(req)
	if err != nil {
		return Result{}, err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Result{}, fmt.Errorf("runner: encode payload: %w", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Result{}, fmt.Errorf("runner: encode payload: %w", err)
	}
	id := strconv.FormatUint(r.seq.Add(1), 10)
	msg["id"] = id

	ch := make(chan reply, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	if !r.client.Connected() {
		return Result{}, &tuneerr.RunnerError{Worker: req.Worker.Identity, Action: string(req.Action), Err: fmt.Errorf("socket.io client is not connected")}
	}
	logger.Debug("Emitting runner request", "id", id)
	r.client.Emit(EventRun, msg)

	var timeout <-chan time.Time
	if req.Timeboxed {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case rep := <-ch:
		if rep.Error != "" || rep.ExitCode != 0 {
			return Result{}, &tuneerr.RunnerError{
				Worker:   req.Worker.Identity,
				Action:   string(req.Action),
				ExitCode: rep.ExitCode,
				Stderr:   rep.Error,
			}
		}
		return Result{Output: fmt.Sprintf("%s: %s", req.Worker.Identity, rep.Output), Verdict: rep.Verdict}, nil
	case <-timeout:
		logger.Warn("Runner agent did not answer in time", "timeout", r.timeout)
		return Result{
			Output:   fmt.Sprintf("%s: request timed out after %s", req.Worker.Identity, r.timeout),
			TimedOut: true,
		}, nil
	case <-ctx.Done():
		return Result{}, &tuneerr.RunnerError{Worker: req.Worker.Identity, Action: string(req.Action), Err: ctx.Err()}
	}
}

// Close disconnects from the agent.
func (r *SocketIO) Close() error {
	r.client.Disconnect()
	return nil
}
