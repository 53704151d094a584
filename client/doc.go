// Package client is the Go SDK for the bakerd line protocol. It backs
// the bakerd CLI subcommands and suits any program that needs a
// cluster-wide lock around a critical section.
//
// A Client is one registered service on one daemon's hub: New dials,
// runs the REGISTER handshake and learns the daemon's server name from
// READY. Methods are safe for concurrent use; requests are serialized
// on the single connection.
//
//	cli, err := client.New("alpha:4411")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	grant, err := cli.Lock(ctx, "nightly-report", client.WithHold(5*time.Minute))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Unlock(context.Background(), "nightly-report")
//	// critical section, exclusive cluster-wide until grant.Expires
//
// # Holder identity
//
// The daemon identifies a holder by its own server name plus the
// client's pid, not by the connection. The default pid is the calling
// process; a client that reconnects after a crash can therefore still
// Unlock what it held before. The flip side is that two clients in the
// same process are the same holder and a second Lock on the same
// object is refused as a duplicate; give cooperating workers distinct
// identities with WithPID.
//
// # Waiting and expiry
//
// Lock queues behind other holders up to a wait bound (WithWait,
// daemon default otherwise) and the daemon answers LOCKFAILED with
// code "failed" when the wait runs out. A granted hold lasts for the
// hold duration (WithHold, daemon default otherwise); the daemon
// reclaims expired holds on its own and notifies the origin client
// with an UNLOCKED carrying code "timedout". Refusals come back as a
// *Failure error so callers can branch on the code:
//
//	_, err := cli.Lock(ctx, "orders")
//	var f *client.Failure
//	if errors.As(err, &f) && f.Code == client.FailureFailed {
//	    // busy, try again later
//	}
//
// # Shutdown
//
// A daemon going down fails queued requests with code "shutdown" and
// then sends QUITTING on every link. Once a client has seen QUITTING,
// every later call returns ErrQuitting.
//
// # TLS
//
// Daemons listening with a PEM bundle require mutual TLS. Point the
// client at the same kind of bundle with WithBundle, or supply a
// ready *tls.Config with WithTLSConfig.
package client
