// Package testutil provides testing utilities for go-storemaster.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSServer wraps an embedded NATS server for testing.
type NATSServer struct {
	server *server.Server
	url    string
}

// StartNATS starts an embedded NATS server with JetStream enabled.
func StartNATS(t *testing.T) *NATSServer {
	t.Helper()

	opts := &server.Options{
		Host:               "127.0.0.1",
		Port:               -1, // Random port
		NoLog:              true,
		NoSigs:             true,
		JetStream:          true,
		StoreDir:           t.TempDir(),
		JetStreamMaxMemory: 64 * 1024 * 1024,
		JetStreamMaxStore:  256 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	return &NATSServer{
		server: ns,
		url:    ns.ClientURL(),
	}
}

// URL returns the NATS server URL.
func (n *NATSServer) URL() string {
	return n.url
}

// Stop stops the NATS server.
func (n *NATSServer) Stop() {
	if n.server != nil {
		n.server.Shutdown()
	}
}

// Connect creates a new NATS connection to the test server.
func (n *NATSServer) Connect(t *testing.T) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(n.url)
	if err != nil {
		t.Fatalf("failed to connect to NATS: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
	})

	return nc
}

// KeyValue creates (or opens) a KV bucket on the test server.
func (n *NATSServer) KeyValue(t *testing.T, bucket string) jetstream.KeyValue {
	t.Helper()

	nc := n.Connect(t)
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("failed to create JetStream context: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	})
	if err != nil {
		t.Fatalf("failed to create KV bucket %s: %v", bucket, err)
	}
	return kv
}
