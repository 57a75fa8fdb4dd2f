// Package natstest starts an embedded NATS server with JetStream enabled for
// tests, avoiding any external broker dependency.
package natstest

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Connect boots an in-process NATS server on a random port and returns a
// connected client. Server and connection are torn down via t.Cleanup.
func Connect(t *testing.T) *nats.Conn {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded nats server not ready within timeout")
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Timeout(2*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("connect to embedded nats server: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

// JetStream returns a JetStream context on a fresh embedded server.
func JetStream(t *testing.T) jetstream.JetStream {
	t.Helper()

	js, err := jetstream.New(Connect(t))
	if err != nil {
		t.Fatalf("create jetstream context: %v", err)
	}
	return js
}

// KeyValue creates a KV bucket on a fresh embedded server.
func KeyValue(t *testing.T, bucket string) jetstream.KeyValue {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	kv, err := JetStream(t).CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		t.Fatalf("create kv bucket %s: %v", bucket, err)
	}
	return kv
}
