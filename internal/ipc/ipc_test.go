package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"id":"abc","type":"state"}`)

	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != 4+len(payload) {
		t.Errorf("frame length: expected %d, got %d", 4+len(payload), buf.Len())
	}
	// Big-endian length prefix
	head := buf.Bytes()[:4]
	if head[0] != 0 || head[1] != 0 || head[2] != 0 || int(head[3]) != len(payload) {
		t.Errorf("length prefix not big-endian u32: % x", head)
	}

	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: %s", got)
	}
}

func TestFrameOversize(t *testing.T) {
	var buf bytes.Buffer
	// Header claiming a frame beyond the cap must be rejected before any read
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(&buf); err == nil {
		t.Error("expected oversize frame rejection")
	}
}

func echoServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "flowtrace-test.sock")
	srv := NewServer(sock, handler, zap.NewNop())
	if err := srv.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, sock
}

func TestClientRequestResponse(t *testing.T) {
	_, sock := echoServer(t, func(ctx context.Context, msg *Message) *Response {
		resp, _ := OkResponse(msg, map[string]string{"echo": msg.Action})
		return resp
	})

	cli := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	if err := cli.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	msg, err := NewMessage(TypeState, "save", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	resp, err := cli.Request(context.Background(), msg, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !resp.Success || resp.ID != msg.ID {
		t.Errorf("response: success=%v id=%s want id=%s", resp.Success, resp.ID, msg.ID)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil || data["echo"] != "save" {
		t.Errorf("data: %s err=%v", resp.Data, err)
	}
}

func TestClientTimeout(t *testing.T) {
	_, sock := echoServer(t, func(ctx context.Context, msg *Message) *Response {
		time.Sleep(500 * time.Millisecond)
		resp, _ := OkResponse(msg, nil)
		return resp
	})

	cli := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	if err := cli.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	msg, _ := NewMessage(TypeMetrics, "probe", nil)
	_, err := cli.Request(context.Background(), msg, 50*time.Millisecond)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestClientNotConnected(t *testing.T) {
	cli := NewClient(ClientConfig{SocketPath: "/nonexistent.sock"}, zap.NewNop())
	defer cli.Close()

	msg, _ := NewMessage(TypeState, "load", nil)
	if _, err := cli.Request(context.Background(), msg, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClientPendingRejectedOnServerClose(t *testing.T) {
	srv, sock := echoServer(t, func(ctx context.Context, msg *Message) *Response {
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return nil
	})

	cli := NewClient(ClientConfig{SocketPath: sock}, zap.NewNop())
	if err := cli.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cli.Close()

	errCh := make(chan error, 1)
	go func() {
		msg, _ := NewMessage(TypeGap, "gap_load", nil)
		_, err := cli.Request(context.Background(), msg, 10*time.Second)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	srv.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending request was not rejected on close")
	}
}
