package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeydtaylor/steeze-tunnel/pkg/protocol"
)

// testPeer is the far side of a channel's stream pair: it reads request
// frames off the gateway's write side and can script responses.
type testPeer struct {
	t        *testing.T
	requests <-chan protocol.Request
	stdout   *io.PipeWriter // what the "worker" writes responses to
	close    func()
}

func newTestChannel(t *testing.T, opts Options) (*Channel, *testPeer) {
	t.Helper()
	reqR, reqW := io.Pipe()   // gateway stdin -> peer
	respR, respW := io.Pipe() // peer -> gateway stdout

	reqs := make(chan protocol.Request, 64)
	go func() {
		defer close(reqs)
		sc := bufio.NewScanner(reqR)
		for sc.Scan() {
			req, err := protocol.DecodeRequest(sc.Bytes())
			if err != nil {
				continue
			}
			reqs <- req
		}
	}()

	ch := New(reqW, respR, opts)
	peer := &testPeer{
		t:        t,
		requests: reqs,
		stdout:   respW,
		close:    func() { _ = respW.Close(); _ = reqR.Close() },
	}
	t.Cleanup(peer.close)
	return ch, peer
}

func (p *testPeer) next() protocol.Request {
	p.t.Helper()
	select {
	case req, ok := <-p.requests:
		if !ok {
			p.t.Fatal("request stream closed")
		}
		return req
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for a request frame")
		return protocol.Request{}
	}
}

func (p *testPeer) respond(resp protocol.Response) {
	p.t.Helper()
	frame, err := protocol.EncodeFrame(resp)
	require.NoError(p.t, err)
	_, err = p.stdout.Write(frame)
	require.NoError(p.t, err)
}

func (p *testPeer) writeRaw(line string) {
	p.t.Helper()
	_, err := p.stdout.Write([]byte(line + "\n"))
	require.NoError(p.t, err)
}

func TestCorrelationIsOrderIndependent(t *testing.T) {
	const n = 16
	ch, peer := newTestChannel(t, Options{})

	// Echo worker that answers all n requests in reverse arrival order.
	go func() {
		batch := make([]protocol.Request, 0, n)
		for i := 0; i < n; i++ {
			batch = append(batch, peer.next())
		}
		for i := len(batch) - 1; i >= 0; i-- {
			peer.respond(protocol.Response{ID: batch[i].ID, OK: true, Result: batch[i].Input})
		}
	}()

	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			input := json.RawMessage(fmt.Sprintf(`{"k":%d}`, k))
			out, err := ch.ExecuteTask(context.Background(), "echo", input)
			if assert.NoError(t, err) {
				results[k] = string(out)
			}
		}(i)
	}
	wg.Wait()

	for k, got := range results {
		assert.JSONEq(t, fmt.Sprintf(`{"k":%d}`, k), got, "caller %d got someone else's response", k)
	}
}

func TestWorkerExitDrainsAllPending(t *testing.T) {
	const n = 5
	ch, peer := newTestChannel(t, Options{})

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			_, errs[k] = ch.ExecuteTask(context.Background(), "stuck", nil)
		}(i)
	}

	// Let all n frames reach the peer, then kill its stdout.
	for i := 0; i < n; i++ {
		peer.next()
	}
	require.NoError(t, peer.stdout.Close())
	wg.Wait()

	for k, err := range errs {
		require.Error(t, err, "caller %d hung", k)
		assert.Contains(t, err.Error(), "worker terminated")
	}

	require.Eventually(t, func() bool { return ch.State() == StateTerminated }, time.Second, 10*time.Millisecond)

	// The channel is dead for good: no respawn, immediate failure.
	_, err := ch.ExecuteTask(context.Background(), "any", nil)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestMalformedLineIsDroppedNotFatal(t *testing.T) {
	ch, peer := newTestChannel(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := peer.next()
		peer.writeRaw(`this is not json`)
		peer.writeRaw(`{"ok":true}`) // well-formed JSON, no id
		peer.respond(protocol.Response{ID: req.ID, OK: true, Result: json.RawMessage(`42`)})
	}()

	out, err := ch.ExecuteTask(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, `42`, string(out))
	<-done
	assert.Equal(t, StateRunning, ch.State())
}

func TestInFlightBound(t *testing.T) {
	ch, peer := newTestChannel(t, Options{MaxInFlight: 1})

	arrived := make(chan protocol.Request, 1)
	go func() { arrived <- peer.next() }()

	first := make(chan error, 1)
	go func() {
		_, err := ch.ExecuteTask(context.Background(), "slow", nil)
		first <- err
	}()

	// The frame reaching the peer means the slot is taken: the pending
	// entry is inserted before the write.
	req := <-arrived

	_, err := ch.ExecuteTask(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrOverloaded)

	peer.respond(protocol.Response{ID: req.ID, OK: true})
	require.NoError(t, <-first)
}

func TestRequestTimeout(t *testing.T) {
	ch, peer := newTestChannel(t, Options{RequestTimeout: 50 * time.Millisecond})

	req := make(chan protocol.Request, 1)
	go func() { req <- peer.next() }()

	_, err := ch.ExecuteTask(context.Background(), "wedged", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	// A late response must be discarded quietly, and the channel stays up.
	r := <-req
	peer.respond(protocol.Response{ID: r.ID, OK: true, Result: json.RawMessage(`"late"`)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		second := peer.next()
		peer.respond(protocol.Response{ID: second.ID, OK: true, Result: json.RawMessage(`"fresh"`)})
	}()

	out, err := ch.ExecuteTask(context.Background(), "next", nil)
	require.NoError(t, err)
	assert.Equal(t, `"fresh"`, string(out))
	<-done
}

func TestRemoteErrorPassthrough(t *testing.T) {
	ch, peer := newTestChannel(t, Options{})

	go func() {
		req := peer.next()
		peer.respond(protocol.Response{
			ID: req.ID,
			OK: false,
			Error: &protocol.ErrorDetail{
				Message:  "task blew up",
				Code:     422,
				CodeName: "UNPROCESSABLE",
			},
		})
	}()

	_, err := ch.ExecuteTask(context.Background(), "t", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "task blew up", re.Detail.Message)
	assert.Equal(t, 422, re.Detail.Code)
	assert.Equal(t, "UNPROCESSABLE", re.Detail.CodeName)
}

func TestTaskResultDefaultsToNull(t *testing.T) {
	ch, peer := newTestChannel(t, Options{})

	go func() {
		req := peer.next()
		peer.respond(protocol.Response{ID: req.ID, OK: true}) // result omitted
	}()

	out, err := ch.ExecuteTask(context.Background(), "t", nil)
	require.NoError(t, err)
	assert.Equal(t, `null`, string(out))
}

func TestEmitEventAndAuthenticate(t *testing.T) {
	ch, peer := newTestChannel(t, Options{})

	go func() {
		ev := peer.next()
		assert.Equal(t, protocol.KindEvent, ev.Type)
		assert.Equal(t, "app.events.ping", ev.EventID)
		peer.respond(protocol.Response{ID: ev.ID, OK: true})

		au := peer.next()
		assert.Equal(t, protocol.KindAuth, au.Type)
		if assert.NotNil(t, au.Context) {
			assert.Equal(t, "POST", au.Context.Method)
		}
		peer.respond(protocol.Response{ID: au.ID, OK: false, Error: &protocol.ErrorDetail{Message: "bad token"}})
	}()

	require.NoError(t, ch.EmitEvent(context.Background(), "app.events.ping", json.RawMessage(`{"m":"hi"}`)))

	err := ch.Authenticate(context.Background(), protocol.RequestContext{
		Method: "POST", Path: "/__runner/task/x",
		Headers: map[string]string{}, Query: map[string]string{},
	})
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "bad token", re.Detail.Message)
}

func TestEnvelopeCarriesRequestContext(t *testing.T) {
	ch, peer := newTestChannel(t, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		task := peer.next()
		if assert.NotNil(t, task.Context) {
			assert.Equal(t, "POST", task.Context.Method)
			assert.Equal(t, "/__runner/task/t", task.Context.Path)
			assert.Equal(t, "acme", task.Context.Headers["x-tenant"])
		}
		peer.respond(protocol.Response{ID: task.ID, OK: true})

		ev := peer.next()
		assert.NotNil(t, ev.Context)
		peer.respond(protocol.Response{ID: ev.ID, OK: true})

		bare := peer.next()
		assert.Nil(t, bare.Context, "context must not appear without an attached request shape")
		peer.respond(protocol.Response{ID: bare.ID, OK: true})
	}()

	ctx := WithRequestContext(context.Background(), protocol.RequestContext{
		Method:  "POST",
		Path:    "/__runner/task/t",
		Headers: map[string]string{"x-tenant": "acme"},
		Query:   map[string]string{},
	})
	_, err := ch.ExecuteTask(ctx, "t", nil)
	require.NoError(t, err)
	require.NoError(t, ch.EmitEvent(ctx, "e", nil))
	_, err = ch.ExecuteTask(context.Background(), "t", nil)
	require.NoError(t, err)
	<-done
}

func TestShutdownDoesNotBlockOnWedgedWorker(t *testing.T) {
	// A wedged worker: nobody reads stdin, so the shutdown frame write
	// blocks until teardown closes the pipe.
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	t.Cleanup(func() { _ = respW.Close(); _ = reqR.Close() })

	ch := New(reqW, respR, Options{ShutdownGrace: 50 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, ch.Shutdown(context.Background()))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked on a worker that never reads stdin")
	}
	assert.Equal(t, StateTerminated, ch.State())
}

func TestShutdownSendsFrameAndTerminates(t *testing.T) {
	ch, peer := newTestChannel(t, Options{ShutdownGrace: 100 * time.Millisecond})

	got := make(chan protocol.Request, 1)
	go func() { got <- peer.next() }()

	require.NoError(t, ch.Shutdown(context.Background()))

	select {
	case req := <-got:
		assert.Equal(t, protocol.KindShutdown, req.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never saw the shutdown frame")
	}

	assert.Equal(t, StateTerminated, ch.State())
	_, err := ch.Send(context.Background(), protocol.NewTaskRequest(0, "t", nil))
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestCorrelationIDsAreUniqueAndIncreasing(t *testing.T) {
	ch, peer := newTestChannel(t, Options{})

	go func() {
		for i := 0; i < 3; i++ {
			req := peer.next()
			peer.respond(protocol.Response{ID: req.ID, OK: true})
		}
	}()

	seen := map[uint64]bool{}
	var last uint64
	for i := 0; i < 3; i++ {
		resp, err := ch.Send(context.Background(), protocol.NewEventRequest(0, "e", nil))
		require.NoError(t, err)
		assert.False(t, seen[resp.ID], "correlation id reused")
		assert.Greater(t, resp.ID, last)
		seen[resp.ID] = true
		last = resp.ID
	}
}
