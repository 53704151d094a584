// Package bakerd exposes the Go APIs behind the cluster-wide lock
// daemon. Each daemon runs a single-threaded reactor that carries a
// message hub and a Lamport bakery coordinator; daemons full-mesh with
// each other and grant mutual exclusion to clients across the whole
// cluster. The server runs cleanly as PID 1, and the package also
// makes it easy to embed a daemon or talk to one from Go.
//
// # Running a server
//
// The server listens on `Config.Listen` (default ":4411"). One TCP
// listener carries peer daemons, registered services and lock clients
// alike. Mutual TLS is enabled by pointing `Config.BundlePath` at a
// PEM bundle holding the CA and the node's certificate and key.
//
//	cfg := bakerd.Config{
//	    ServerName: "alpha",
//	    Listen:     ":4411",
//	    Peers:      []string{"beta:4411", "gamma:4411"},
//	    BundlePath: "/etc/bakerd/bundle.pem",
//	}
//	srv, err := bakerd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("bakerd: %v", err)
//	    }
//	}()
//	defer func() {
//	    if err := srv.Shutdown(context.Background()); err != nil {
//	        log.Printf("bakerd shutdown: %v", err)
//	    }
//	}()
//
// Every daemon lists every other daemon in `Config.Peers` and redials
// lost links forever, so the mesh survives restarts in any order. Peer
// names are learned from the handshake, not configured.
//
// # The wire protocol
//
// Everything speaks one line-based protocol: a single
// `COMMAND name=value;...` line per message, optionally prefixed with
// `from>to` routing. Clients REGISTER a service name, receive the
// coordinator's vocabulary, and then address LOCK and UNLOCK lines at
// any daemon's bakery service; the daemons agree on the winner with a
// Lamport bakery ticket exchange confirmed by a majority quorum.
// `telnet host 4411` is a perfectly good client.
//
// # Client SDK
//
// The Go client (`bakerd/client`) wraps the protocol:
//
//	cli, err := client.New("alpha:4411")
//	if err != nil { log.Fatal(err) }
//	defer cli.Close()
//	if _, err := cli.Lock(ctx, "nightly-report"); err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Unlock(context.Background(), "nightly-report")
//
// A lock is held until Unlock or until the hold duration expires;
// holders are identified by server name and pid rather than by
// connection, so a restarted client can release what it held before.
// Acquisition queues up to the request's wait bound and fails cleanly
// when the wait runs out, when the quorum cannot be reached, or when
// the daemon shuts down.
//
// # Embedding and helpers
//
// `StartServer` launches a server in a goroutine, waits for readiness
// and returns a stop function, which suits tests and sidecars:
//
//	srv, stop, err := bakerd.StartServer(ctx, bakerd.Config{
//	    ServerName: "solo",
//	    Listen:     "127.0.0.1:0",
//	})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Operations
//
// An optional UDP control socket (`Config.ControlListen`) answers PING
// and accepts STOP and DEBUG datagrams for init systems that prefer
// fire-and-forget control. SIGUSR1 dumps the hub and coordinator state
// to the log. A Prometheus endpoint (`Config.MetricsListen`) and a
// pprof listener (`Config.PprofListen`) are off unless configured.
package bakerd
