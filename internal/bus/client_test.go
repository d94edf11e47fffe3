package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestPublishThroughEmbeddedServer(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	subject := protocol.Subject("scribe", protocol.SubjectTranscriptionCompleted)
	sub, err := client.Conn().SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := protocol.TranscriptionEvent{JobID: "job-1", Fingerprint: "abc", Status: "succeeded", Segments: 2}
	if err := client.Publish(subject, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got protocol.TranscriptionEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.JobID != want.JobID || got.Segments != 2 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Connect(context.Background(), config.BusConfig{}, log); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestStartDisabled(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: false}, slog.Default())
	if err != nil || srv != nil {
		t.Fatalf("expected nil server when not embedded, got %v err=%v", srv, err)
	}
}
