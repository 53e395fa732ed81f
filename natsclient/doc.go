// Package natsclient wraps a NATS connection with a circuit breaker and
// JetStream key-value helpers.
//
// The client tracks its connection state through the lifecycle
// Disconnected → Connecting → Connected → Reconnecting → Connected, and
// routes connection attempts and JetStream calls through a
// github.com/sony/gobreaker circuit breaker. Once the breaker opens, calls
// fail fast with a transient error wrapping errors.ErrCircuitOpen until the
// breaker timeout elapses and a trial call succeeds.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("overlayd"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Publish(ctx, "overlay.audit.canvas.block_added", data)
//
// # Key-Value Store
//
// KVStore adds revision-aware operations over a JetStream bucket. Update is
// a compare-and-swap; UpdateWithRetry re-reads and re-applies a function
// until the swap succeeds:
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
//	    Bucket:  "overlay_canvases",
//	    History: 10,
//	})
//	kv := client.NewKVStore(bucket)
//	rev, err := kv.UpdateWithRetry(ctx, "canvas-1", func(current []byte) ([]byte, error) {
//	    return next, nil
//	})
//
// Key-level failures map to ErrKVKeyNotFound, ErrKVKeyExists and
// ErrKVRevisionMismatch; none of them count against the circuit breaker.
//
// # Testing
//
// TestClient starts a NATS server in a container via testcontainers-go.
// Tests using it should carry the integration build tag.
package natsclient
