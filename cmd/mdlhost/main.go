// Command mdlhost is a minimal demonstration host for the mdl package:
// it spins up a handful of goroutine "sessions", each a concrete Owner
// implementation, and drives them through acquiring and releasing
// metadata locks against a shared set of keys so the manager can be
// exercised end to end. It is explicitly not a SQL server -- real
// callers are expected to embed the mdl package the way a statement
// executor or DDL coordinator would.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"mantisdb-mdl/config"
	merrors "mantisdb-mdl/internal/errors"
	"mantisdb-mdl/logging"
	"mantisdb-mdl/mdl"
)

var (
	// Version is set during build time.
	Version = "dev"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML mdl config file")
		sessions    = flag.Int("sessions", 4, "number of concurrent demo sessions to run")
		tables      = flag.Int("tables", 3, "number of distinct demo tables contended over")
		runFor      = flag.Duration("duration", 5*time.Second, "how long to run the demo workload")
		logFile     = flag.String("log-file", "", "optional path to also write rotated JSON logs to")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mdlhost %s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	outputs := []logging.LogOutput{logging.NewJSONOutput(os.Stdout)}
	if *logFile != "" {
		fo, err := logging.NewFileOutput(logging.FileOutputConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
			os.Exit(1)
		}
		outputs = append(outputs, fo)
	}

	log := logging.NewStructuredLogger(logging.Config{
		Level:     logging.INFO,
		Component: "mdlhost",
		Outputs:   outputs,
	})
	defer log.Close()

	manager := mdl.NewManager(cfg, log)

	interrupted, stop := signalContext()
	defer stop()

	log.InfoWithMetadata("starting demo workload", map[string]interface{}{
		"sessions": *sessions, "tables": *tables, "duration": runFor.String(),
	})

	var wg sync.WaitGroup
	var acquires, deadlocks, timeouts int64
	keys := make([]mdl.Key, *tables)
	for i := range keys {
		keys[i] = mdl.NewKey(mdl.Table, "demo", fmt.Sprintf("t%d", i))
	}

	deadline := time.Now().Add(*runFor)

	housekeeper := newSessionOwner(-1)
	houseDone := make(chan struct{})
	go func() {
		defer close(houseDone)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		deadlineC := time.After(time.Until(deadline))
		for {
			select {
			case <-ticker.C:
				manager.Compact(housekeeper)
			case <-deadlineC:
				return
			}
		}
	}()

	for s := 0; s < *sessions; s++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			owner := newSessionOwner(id)
			mctx := manager.NewContext(owner, id)
			defer manager.CloseContext(mctx)

			for time.Now().Before(deadline) {
				key := keys[rand.Intn(len(keys))]
				lockType := demoLockType(rand.Intn(3))

				tk, err := mctx.Acquire(key, lockType, mdl.TransactionDuration, time.Now().Add(200*time.Millisecond))
				switch {
				case err == nil:
					atomic.AddInt64(&acquires, 1)
					time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
					mctx.Release(tk)
				case isDeadlock(err):
					atomic.AddInt64(&deadlocks, 1)
				default:
					atomic.AddInt64(&timeouts, 1)
				}
			}
		}(s)
	}

	select {
	case <-interrupted:
		log.Warn("interrupted, shutting down")
	case <-time.After(*runFor + time.Second):
	}

	wg.Wait()
	<-houseDone
	manager.Shutdown()

	snap := manager.Snapshot()
	log.InfoWithMetadata("demo workload finished", map[string]interface{}{
		"acquires":        acquires,
		"deadlock_victims": deadlocks,
		"timeouts":        timeouts,
		"remaining_objects": snap.ObjectCount,
	})
}

func demoLockType(n int) mdl.LockType {
	switch n {
	case 0:
		return mdl.SharedRead
	case 1:
		return mdl.SharedWrite
	default:
		return mdl.Exclusive
	}
}

func isDeadlock(err error) bool {
	me, ok := err.(*merrors.MantisError)
	return ok && me.Type == merrors.ErrorTypeDeadlock
}

// sessionOwner is the demo host's concrete mdl.Owner: always connected,
// never explicitly killed, with a per-session random seed that seeds the
// manager's lock-table compaction dives.
type sessionOwner struct {
	id   int
	seed uint32
}

func newSessionOwner(id int) *sessionOwner {
	return &sessionOwner{id: id, seed: uint32(id)*2654435761 + 1}
}

func (o *sessionOwner) EnterCond(stage string) string { return "" }
func (o *sessionOwner) ExitCond(previous string)       {}
func (o *sessionOwner) IsKilled() bool                 { return false }
func (o *sessionOwner) IsConnected() bool              { return true }
func (o *sessionOwner) NotifySharedLock(ctx *mdl.Context, needExclusive bool) {}
func (o *sessionOwner) NotifyHtonPreAcquireExclusive(key mdl.Key) error       { return nil }
func (o *sessionOwner) NotifyHtonPostReleaseExclusive(key mdl.Key)            {}
func (o *sessionOwner) RandSeed() uint32                                     { return o.seed }

func signalContext() (<-chan struct{}, func()) {
	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(done)
	}()
	return done, func() { signal.Stop(sigCh) }
}
