//go:build linux

package rpc_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codehz/wsrpc/promise"
	"github.com/codehz/wsrpc/reactor"
	"github.com/codehz/wsrpc/rpc"
	"github.com/codehz/wsrpc/transport"
)

type testServer struct {
	re  *reactor.Reactor
	srv *transport.Server
	rp  *rpc.RPC
}

func startTestServer(t *testing.T, address string, opts ...transport.ServerOption) *testServer {
	t.Helper()
	re, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor: %v", err)
	}
	srv, err := transport.NewServer(address, re, opts...)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	rp := rpc.New(srv)
	rp.Register("test", func(_ rpc.ClientHandle, params any) (any, error) {
		return params, nil
	})
	rp.Register("error", func(_ rpc.ClientHandle, _ any) (any, error) {
		return nil, errors.New("boom")
	})
	rp.Event("tick")
	if err := rp.Start(); err != nil {
		t.Fatalf("rpc start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		re.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		rp.Stop()
		re.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
		re.Close()
	})
	return &testServer{re: re, srv: srv, rp: rp}
}

func (ts *testServer) url() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/api", ts.srv.Port())
}

func roundTrip(t *testing.T, conn *websocket.Conn, request string) map[string]any {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(request)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var reply map[string]any
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("reply %q: %v", data, err)
	}
	return reply
}

func TestGorillaInterop(t *testing.T) {
	ts := startTestServer(t, "ws://127.0.0.1:0/api")
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	reply := roundTrip(t, conn, `{"jsonrpc":"2.0","method":"test","params":["x"],"id":1}`)
	if reply["id"] != float64(1) {
		t.Fatalf("echo id: %v", reply)
	}
	if result, ok := reply["result"].([]any); !ok || len(result) != 1 || result[0] != "x" {
		t.Fatalf("echo result: %v", reply)
	}

	reply = roundTrip(t, conn, `{"jsonrpc":"2.0","method":"nope","params":["x"],"id":2}`)
	eo := reply["error"].(map[string]any)
	if eo["code"] != float64(rpc.CodeMethodNotFound) || eo["message"] != "method not found" {
		t.Fatalf("unknown method: %v", reply)
	}

	reply = roundTrip(t, conn, `{bad`)
	if reply["error"].(map[string]any)["code"] != float64(rpc.CodeParseError) || reply["id"] != nil {
		t.Fatalf("parse error: %v", reply)
	}

	reply = roundTrip(t, conn, `{"jsonrpc":"2.0","method":"error","params":[],"id":3}`)
	eo = reply["error"].(map[string]any)
	if eo["code"] != float64(rpc.CodeInternalError) || eo["message"] != "boom" {
		t.Fatalf("handler error: %v", reply)
	}
}

func TestGorillaPubSub(t *testing.T) {
	ts := startTestServer(t, "ws://127.0.0.1:0/api")
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	reply := roundTrip(t, conn, `{"jsonrpc":"2.0","method":"rpc.on","params":["tick"],"id":1}`)
	if reply["result"].(map[string]any)["tick"] != "ok" {
		t.Fatalf("subscribe: %v", reply)
	}

	// The ack proves the reactor processed rpc.on; emit from this thread.
	ts.rp.Emit("tick", 42)
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("notification read: %v", err)
	}
	var push map[string]any
	json.Unmarshal(data, &push)
	if push["notification"] != "tick" || push["params"] != float64(42) {
		t.Fatalf("push: %v", push)
	}
}

func TestGorillaPingPong(t *testing.T) {
	ts := startTestServer(t, "ws://127.0.0.1:0/api")
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	pong := make(chan string, 1)
	conn.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
	// Control frames are surfaced while reading; drive one round trip.
	roundTrip(t, conn, `{"jsonrpc":"2.0","method":"test","params":[],"id":1}`)
	select {
	case data := <-pong:
		if data != "hb" {
			t.Fatalf("pong payload %q", data)
		}
	default:
		t.Fatal("no pong received")
	}
}

func TestGorillaCloseHandshake(t *testing.T) {
	ts := startTestServer(t, "ws://127.0.0.1:0/api")
	conn, _, err := websocket.DefaultDialer.Dial(ts.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	if _, ok := err.(*websocket.CloseError); !ok {
		t.Fatalf("expected close echo, got %v", err)
	}
}

func TestWrongResourceRejected(t *testing.T) {
	ts := startTestServer(t, "ws://127.0.0.1:0/api")
	wrong := fmt.Sprintf("ws://127.0.0.1:%d/other", ts.srv.Port())
	_, _, err := websocket.DefaultDialer.Dial(wrong, nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("dial to wrong path: %v", err)
	}
}

// TestSharedReactorProxy runs the server and a native client on one reactor
// thread, the embedding the original proxy scenario relies on.
func TestSharedReactorProxy(t *testing.T) {
	ts := startTestServer(t, "ws://127.0.0.1:0/api")

	wsc, err := transport.NewClient(ts.url(), ts.re)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cli := rpc.NewClient(wsc)

	type outcome struct {
		value any
		err   error
	}
	results := make(chan outcome, 4)

	echoed := promise.FlatMap(cli.Start(), func(promise.Void) *promise.Promise[any] {
		return cli.Call("test", []any{"proxy"})
	})
	echoed.Then(func(v any) { results <- outcome{value: v} })
	echoed.Fail(func(err error) { results <- outcome{err: err} })

	select {
	case out := <-results:
		if out.err != nil {
			t.Fatalf("call failed: %v", out.err)
		}
		arr, ok := out.value.([]any)
		if !ok || len(arr) != 1 || arr[0] != "proxy" {
			t.Fatalf("echo: %v", out.value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call never settled")
	}

	failed := cli.Call("error", []any{})
	failed.Fail(func(err error) { results <- outcome{err: err} })
	failed.Then(func(v any) { results <- outcome{value: v} })
	select {
	case out := <-results:
		remote, ok := out.err.(*rpc.RemoteError)
		if !ok {
			t.Fatalf("rejection: value=%v err=%v", out.value, out.err)
		}
		if remote.Code != rpc.CodeInternalError || remote.Message != "boom" {
			t.Fatalf("remote: %+v", remote)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("error call never settled")
	}

	// Subscribe, then emit once the ack landed.
	ticks := make(chan any, 1)
	sub := cli.On("tick", func(params any) { ticks <- params })
	sub.Then(func(ok bool) {
		if ok {
			ts.rp.Emit("tick", "beat")
		}
	})
	select {
	case params := <-ticks:
		if params != "beat" {
			t.Fatalf("tick params: %v", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}

	died := make(chan struct{})
	cli.Transport().OnDie(func() { close(died) })
	cli.Stop()
	select {
	case <-died:
	case <-time.After(time.Second):
		t.Fatal("ondie never fired")
	}
}

func TestUnixSocketTransport(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "wsrpc.sock")
	ts := startTestServer(t, "ws+unix://"+sock)

	wsc, err := transport.NewClient("ws+unix://"+sock, ts.re)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	cli := rpc.NewClient(wsc)
	results := make(chan any, 1)
	promise.FlatMap(cli.Start(), func(promise.Void) *promise.Promise[any] {
		return cli.Call("test", map[string]any{"over": "unix"})
	}).Then(func(v any) { results <- v })

	select {
	case v := <-results:
		obj, ok := v.(map[string]any)
		if !ok || obj["over"] != "unix" {
			t.Fatalf("result: %v", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call never settled")
	}
	cli.Stop()

	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("socket file missing while serving: %v", err)
	}
}
