// Package storemaster provides NATS-based active-master election for the
// control plane of a distributed storage cluster.
//
// Exactly one master process is authoritative for the cluster at a time.
// Candidates race to create a well-known election node in a NATS JetStream
// KV bucket; the winner becomes the active master and publishes its network
// address as the node payload. Losers watch the node and re-enter the race
// when it disappears, so failover is automatic when the active master steps
// down or its lease expires.
//
// # Quick Start
//
//	m, err := storemaster.NewMaster(storemaster.Config{
//	    ClusterID: "store-prod",
//	    Host:      "10.0.0.5",
//	    Port:      16000,
//	    NATSURLs:  []string{"nats://localhost:4222"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx := context.Background()
//	if err := m.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Stop(ctx)
//
//	// Blocks until this process wins the election or is shut down.
//	if err := m.BecomeActiveMaster(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	// This process is now the active master.
//
// # Architecture
//
// The package uses a watch-based election mechanism:
//
//   - Candidates compete to create the election node with an atomic
//     create-if-absent write
//   - The node payload is the master's serialized address plus a lease
//     deadline the active master keeps renewing
//   - Standbys watch the node for deletion and re-race when it is removed,
//     or claim an expired record with a revision-checked update
//   - A wakeup never implies mastership; it only licenses a re-attempt
//
// Waiting candidates remain useful observers: [Master.MasterAddress] and
// [Master.ClusterHasActiveMaster] report the last observed master without
// blocking. Both are eventually consistent.
package storemaster
