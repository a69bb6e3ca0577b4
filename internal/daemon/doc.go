// Package daemon decides when the mirror is updated without being asked.
//
// # Architecture
//
// The package has three parts:
//
//   - FileWatcher: recursive fsnotify watch of the storage directory that
//     reports writes to database files and adds new subdirectories
//   - Coordinator: debounces file events, throttles cycles and keeps at
//     most one check-then-update cycle running
//   - NewSupervisor: runs the coordinator and the dashboard under suture
//
// # Single flight
//
// A request that arrives while a cycle runs is counted, up to MaxPending,
// and all counted requests are served by one follow-up cycle. A request
// inside MinInterval of the last successful cycle start is deferred until
// the interval has passed, never dropped:
//
//	coord := daemon.New(eng, daemon.Config{
//	    AutoUpdate:   true,
//	    Debounce:     300 * time.Millisecond,
//	    MinInterval:  time.Second,
//	    CycleTimeout: 30 * time.Second,
//	})
//	coord.Subscribe(func(n daemon.Notification) {
//	    log.Printf("%s: updated=%v err=%v", n.Trigger, n.Updated, n.Err)
//	})
//	coord.RequestUpdate()
//
// # Timeouts and shutdown
//
// Every cycle is bounded by CycleTimeout. When it fires the caller gets an
// error of kind mirror.KindTimeout and the single-flight flag is released;
// the update itself stops at the next file boundary, so the file in progress
// is always committed or rolled back. Disable and Serve wait for such
// updates for at most another CycleTimeout before returning.
//
// # Polling
//
// A poller checks the source every PollInterval and requests an update when
// stale mirrors are found. It catches changes the file watch misses, and it
// is the only trigger when the watch cannot be placed.
package daemon
