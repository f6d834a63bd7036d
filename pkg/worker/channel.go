// Package worker turns one external worker process's stdio duplex stream into
// a concurrent request/response RPC client. One writer goroutine serializes
// outgoing frames, one reader goroutine demultiplexes responses, and a
// pending table keyed by correlation id joins the two.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joeydtaylor/steeze-tunnel/pkg/protocol"
)

// State is the channel lifecycle. Transitions only move forward:
// Spawned -> Running -> Draining -> Terminated.
type State int32

const (
	StateSpawned State = iota
	StateRunning
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "terminated"
	}
}

var (
	// ErrTerminated is returned by Send once the channel has torn down; it is
	// also the message drained waiters receive.
	ErrTerminated = errors.New("worker terminated")

	// ErrOverloaded is returned when the in-flight bound is hit.
	ErrOverloaded = errors.New("worker at capacity")
)

// RemoteError carries a structured failure the worker attached to a response.
// Code/CodeName pass through to HTTP clients verbatim when present.
type RemoteError struct {
	Detail protocol.ErrorDetail
}

func (e *RemoteError) Error() string { return e.Detail.Message }

type Options struct {
	MaxInFlight    int           // outstanding request bound; <=0 means 256
	RequestTimeout time.Duration // per-request backstop; <=0 means 30s
	ShutdownGrace  time.Duration // wait for voluntary exit; <=0 means 3s
	Logger         *zap.Logger
}

func (o *Options) normalize() {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 256
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Channel owns one worker process's stream pair. Construct with New (any
// stream pair) or Spawn (an os/exec child). A terminated channel is dead;
// respawning is the owner's decision, never automatic.
type Channel struct {
	id   string
	log  *zap.Logger
	opts Options

	stdin  io.WriteCloser
	wmu    sync.Mutex // serializes stdin writes between writeLoop and Shutdown
	writeq chan []byte

	nextID atomic.Uint64

	mu      sync.Mutex
	state   State
	pending map[uint64]chan protocol.Response

	done   chan struct{} // closed exactly once, on Terminated
	exited chan struct{} // closed when the spawned process exits (nil otherwise)
	proc   processHandle
}

// processHandle is what Shutdown needs from a spawned process.
type processHandle interface {
	Kill() error
}

// New starts the writer and reader loops over an already-connected stream
// pair and returns a Running channel.
func New(stdin io.WriteCloser, stdout io.Reader, opts Options) *Channel {
	opts.normalize()
	c := &Channel{
		id:      uuid.NewString(),
		opts:    opts,
		stdin:   stdin,
		writeq:  make(chan []byte, opts.MaxInFlight+1), // +1 leaves room for the shutdown frame
		state:   StateRunning,
		pending: make(map[uint64]chan protocol.Response),
		done:    make(chan struct{}),
	}
	c.log = opts.Logger.With(zap.String("channel", c.id))
	go c.writeLoop()
	go c.readLoop(stdout)
	return c
}

// ID is the channel instance id used in logs.
func (c *Channel) ID() string { return c.id }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send allocates the next correlation id (unless the caller set one), writes
// the encoded request, and blocks until the matching response arrives, the
// per-request timeout fires, ctx is canceled, or the channel terminates.
// Safe for concurrent use; callers never wait on each other's responses.
func (c *Channel) Send(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if req.ID == 0 {
		req.ID = c.nextID.Add(1)
	}
	frame, err := protocol.EncodeFrame(req)
	if err != nil {
		return protocol.Response{}, err
	}

	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		workerFailuresTotal.WithLabelValues("terminated").Inc()
		return protocol.Response{}, ErrTerminated
	}
	if len(c.pending) >= c.opts.MaxInFlight {
		c.mu.Unlock()
		workerFailuresTotal.WithLabelValues("overloaded").Inc()
		return protocol.Response{}, ErrOverloaded
	}
	waiter := make(chan protocol.Response, 1)
	c.pending[req.ID] = waiter
	c.mu.Unlock()
	workerInFlight.Inc()
	workerRequestsTotal.WithLabelValues(string(req.Type)).Inc()

	select {
	case c.writeq <- frame:
	case <-c.done:
		c.forget(req.ID)
		workerFailuresTotal.WithLabelValues("terminated").Inc()
		return protocol.Response{}, ErrTerminated
	case <-ctx.Done():
		c.forget(req.ID)
		workerFailuresTotal.WithLabelValues("canceled").Inc()
		return protocol.Response{}, ctx.Err()
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		// Includes the synthetic drain response on teardown.
		return resp, nil
	case <-timer.C:
		c.forget(req.ID)
		workerFailuresTotal.WithLabelValues("timeout").Inc()
		return protocol.Response{}, fmt.Errorf("worker request %d timed out after %s", req.ID, c.opts.RequestTimeout)
	case <-ctx.Done():
		// Caller is gone but the worker is still asked to finish; the
		// reader discards the eventual response instead of leaking it.
		workerFailuresTotal.WithLabelValues("canceled").Inc()
		return protocol.Response{}, ctx.Err()
	}
}

// ExecuteTask forwards a task envelope and unwraps the response. An absent
// result on an ok response yields JSON null. A request context attached via
// WithRequestContext rides along on the envelope.
func (c *Channel) ExecuteTask(ctx context.Context, taskID string, input json.RawMessage) (json.RawMessage, error) {
	req := protocol.NewTaskRequest(0, taskID, input)
	req.Context = requestContextValue(ctx)
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, remoteFailure(resp)
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

// EmitEvent forwards an event envelope; the worker still replies so failures
// can propagate, but the result is discarded.
func (c *Channel) EmitEvent(ctx context.Context, eventID string, payload json.RawMessage) error {
	req := protocol.NewEventRequest(0, eventID, payload)
	req.Context = requestContextValue(ctx)
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return remoteFailure(resp)
	}
	return nil
}

// Authenticate asks the worker to vet a request. An ok:false response comes
// back as *RemoteError, which the auth middleware maps to 401; channel-level
// failures propagate unchanged.
func (c *Channel) Authenticate(ctx context.Context, rc protocol.RequestContext) error {
	resp, err := c.Send(ctx, protocol.NewAuthRequest(0, rc))
	if err != nil {
		return err
	}
	if !resp.OK {
		return remoteFailure(resp)
	}
	return nil
}

// Shutdown performs graceful teardown: a shutdown envelope (no reply
// expected), a grace period for the process to exit on its own, then kill.
// Remaining waiters drain with ErrTerminated's message.
func (c *Channel) Shutdown(ctx context.Context) error {
	if frame, err := protocol.EncodeFrame(protocol.NewShutdownRequest(c.nextID.Add(1))); err == nil {
		c.mu.Lock()
		running := c.state == StateRunning
		c.mu.Unlock()
		if running {
			// Written directly, not queued: teardown must not race the
			// write loop draining on done. The wait is bounded so a wedged
			// worker with a full pipe cannot stall teardown; terminate's
			// stdin.Close unblocks the writer.
			written := make(chan struct{})
			go func() {
				c.wmu.Lock()
				_, _ = c.stdin.Write(frame)
				c.wmu.Unlock()
				close(written)
			}()
			grace := time.NewTimer(c.opts.ShutdownGrace)
			select {
			case <-written:
				grace.Stop()
			case <-grace.C:
				c.log.Warn("shutdown frame write stalled, proceeding to teardown")
			case <-ctx.Done():
				grace.Stop()
			}
		}
	}

	if c.exited != nil {
		grace := time.NewTimer(c.opts.ShutdownGrace)
		defer grace.Stop()
		select {
		case <-c.exited:
		case <-grace.C:
			c.log.Warn("worker did not exit within grace period, killing")
			if c.proc != nil {
				_ = c.proc.Kill()
			}
		case <-ctx.Done():
			if c.proc != nil {
				_ = c.proc.Kill()
			}
		}
	}

	c.terminate("shutdown requested")
	return nil
}

// writeLoop is the single writer path: one full frame per Write call, so
// concurrent callers never interleave bytes.
func (c *Channel) writeLoop() {
	for {
		select {
		case frame := <-c.writeq:
			c.wmu.Lock()
			_, err := c.stdin.Write(frame)
			c.wmu.Unlock()
			if err != nil {
				c.log.Warn("worker stdin write failed", zap.Error(err))
				c.terminate("stdin write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop decodes one line at a time and resolves the matching pending
// entry. Malformed lines are dropped and counted, never fatal. EOF means the
// worker is gone and drains everyone.
func (c *Channel) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		resp, err := protocol.DecodeResponse(line)
		if err != nil {
			workerMalformedLinesTotal.Inc()
			c.log.Warn("dropping malformed worker line", zap.Error(err))
			continue
		}
		c.complete(resp)
	}
	if err := sc.Err(); err != nil {
		c.log.Warn("worker stdout read failed", zap.Error(err))
	}
	c.terminate("stdout closed")
}

const maxFrameBytes = 8 << 20

// complete removes the pending entry and hands the response to its waiter.
// Removal happens before delivery and the waiter channel is 1-buffered, so
// delivery never blocks the reader and happens at most once per id.
func (c *Channel) complete(resp protocol.Response) {
	c.mu.Lock()
	waiter, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Late (timed out) or unknown id: discard, don't leak.
		workerDiscardedResponsesTotal.Inc()
		c.log.Debug("discarding unmatched worker response", zap.Uint64("id", resp.ID))
		return
	}
	workerInFlight.Dec()
	waiter <- resp
}

// forget drops a pending entry whose caller gave up (timeout, cancel before
// write, teardown race). Idempotent against complete and drain.
func (c *Channel) forget(id uint64) {
	c.mu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		workerInFlight.Dec()
	}
}

// terminate wins the Running->Draining transition at most once, completes
// every remaining pending entry with a synthetic internal error, then moves
// to Terminated and closes done.
func (c *Channel) terminate(reason string) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateDraining
	stale := c.pending
	c.pending = make(map[uint64]chan protocol.Response)
	c.mu.Unlock()

	for id, waiter := range stale {
		waiter <- protocol.Response{
			ID: id,
			OK: false,
			Error: &protocol.ErrorDetail{
				Message:  ErrTerminated.Error(),
				Code:     500,
				CodeName: "INTERNAL_ERROR",
			},
		}
		workerDrainedTotal.Inc()
		workerInFlight.Dec()
	}

	c.mu.Lock()
	c.state = StateTerminated
	c.mu.Unlock()
	close(c.done)
	_ = c.stdin.Close()

	c.log.Info("worker channel terminated",
		zap.String("reason", reason),
		zap.Int("drained", len(stale)),
	)
}

func remoteFailure(resp protocol.Response) error {
	if resp.Error != nil {
		return &RemoteError{Detail: *resp.Error}
	}
	return &RemoteError{Detail: protocol.ErrorDetail{Message: "unknown worker error"}}
}
