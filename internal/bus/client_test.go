package bus_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-wer/internal/bus"
	"github.com/loqalabs/loqa-wer/internal/config"
	"github.com/loqalabs/loqa-wer/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := bus.Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestPublishJSON(t *testing.T) {
	client := startClient(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	received := make(chan map[string]string, 1)
	sub, err := client.Conn().Subscribe("test.subject", func(msg *nats.Msg) {
		var payload map[string]string
		if err := json.Unmarshal(msg.Data, &payload); err == nil {
			received <- payload
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON("test.subject", map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-received:
		if got["hello"] != "world" {
			t.Fatalf("unexpected payload %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func startClient(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRequestJSON(t *testing.T) {
	client := startClient(t)
	sub, err := client.Conn().Subscribe("echo", func(msg *nats.Msg) {
		_ = msg.Respond(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp map[string]int
	if err := client.RequestJSON(ctx, "echo", map[string]int{"words": 6}, &resp); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["words"] != 6 {
		t.Fatalf("unexpected reply %v", resp)
	}
}

func TestEnsureStreamCapturesSubjects(t *testing.T) {
	client := startClient(t)
	if err := client.EnsureStream("EVAL_TEST", time.Hour, "eval.>"); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureStream("EVAL_TEST", time.Hour, "eval.>"); err != nil {
		t.Fatalf("ensure existing stream: %v", err)
	}
	if err := client.PublishJSON("eval.result", map[string]string{"sample": "checkin"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	js, err := client.Conn().JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := js.StreamInfo("EVAL_TEST")
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 stored message, got %d", info.State.Msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
