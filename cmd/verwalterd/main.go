// Copyright (C) 2025, Verwalter authors. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tailhook/verwalter/action"
	"github.com/tailhook/verwalter/api"
	apimetrics "github.com/tailhook/verwalter/api/metrics"
	"github.com/tailhook/verwalter/driver"
	"github.com/tailhook/verwalter/election"
	"github.com/tailhook/verwalter/fetch"
	"github.com/tailhook/verwalter/id"
	"github.com/tailhook/verwalter/log"
	"github.com/tailhook/verwalter/peer"
	"github.com/tailhook/verwalter/peer/discovery"
	"github.com/tailhook/verwalter/prefetch"
	"github.com/tailhook/verwalter/schedule"
	"github.com/tailhook/verwalter/scheduler"
	"github.com/tailhook/verwalter/state"
	"github.com/tailhook/verwalter/transport"
	"github.com/tailhook/verwalter/wire"
)

// Exit codes (spec §4.8).
const (
	exitMissingMachineID  = 3
	exitSchedulerLoad     = 4
	exitListenerFailure   = 81
	exitWatchdogTripped   = 91
	exitSchedulerThread   = 92
	exitApplyThread       = 93
)

type options struct {
	configDir         string
	storageDir        string
	logDir            string
	hostname          string
	name              string
	overrideMachineID string
	dryRun            bool
	host              string
	port              int
	httpPort          int
	useSudo           bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "verwalterd",
		Short: "Decentralized configuration management and orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.configDir, "config-dir", "/etc/verwalter", "directory holding the scheduler and role configuration")
	flags.StringVar(&opts.storageDir, "storage-dir", "/var/lib/verwalter", "directory used to persist schedule.json across restarts")
	flags.StringVar(&opts.logDir, "log-dir", "", "log directory; not read by the daemon, which always logs to stderr")
	flags.StringVar(&opts.hostname, "hostname", "", "hostname to advertise to peers; defaults to os.Hostname()")
	flags.StringVar(&opts.name, "name", "", "human display name to advertise to peers")
	flags.StringVar(&opts.overrideMachineID, "override-machine-id", "", "use this value instead of /etc/machine-id")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "load the scheduler and print the computed schedule without publishing it")
	flags.StringVar(&opts.host, "host", "0.0.0.0", "address to bind the election UDP transport and HTTP frontend to")
	flags.IntVar(&opts.port, "port", 8379, "UDP port for the election transport")
	flags.IntVar(&opts.httpPort, "http-port", 8380, "TCP port for the HTTP frontend and peer schedule replication")
	flags.BoolVar(&opts.useSudo, "use-sudo", false, "use sudo for applied actions; not read by the daemon, which runs no apply actions")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	l, err := log.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}

	self, err := resolveSelfID(opts)
	if err != nil {
		l.Error("could not determine a stable machine id", zap.Error(err))
		os.Exit(exitMissingMachineID)
	}

	hostname := opts.hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	store := schedule.NewStore()
	if err := restoreScheduleFile(store, filepath.Join(opts.storageDir, "schedule.json")); err != nil {
		l.Warn("could not restore schedule.json", zap.Error(err))
	}

	actions := action.New()
	hub := state.New(self, store, actions)

	backend, err := scheduler.Load(opts.configDir)
	if err != nil {
		l.Error("failed to load scheduler", zap.Error(err))
		os.Exit(exitSchedulerLoad)
	}

	if opts.dryRun {
		return runDryRun(hub, backend, opts, l)
	}

	staticDiscovery := discovery.NewStatic(nil)
	mdnsDiscovery, mdnsErr := discovery.NewMDNS()
	var disc peer.Discoverer = staticDiscovery
	if mdnsErr == nil {
		mdnsDiscovery.SetLogger(l)
		disc = mdnsDiscovery
	}

	self_ := peer.Peer{Id: self, Hostname: hostname, DisplayName: opts.name}
	dir := peer.NewDirectory(self_, disc, peer.DefaultInterval, l)
	dir.OnError(func(err error) { hub.SetError("discovery", err) })

	now := time.Now()
	machine := election.New(now)

	udpAddr := &net.UDPAddr{IP: net.ParseIP(opts.host), Port: opts.port}
	if udpAddr.IP == nil {
		udpAddr.IP = net.IPv4zero
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fetchClient := fetch.NewClient(opts.httpPort, nil)
	fetchClient.OnFailure(dir.RecordError)
	fetchClient.OnSuccess(dir.ClearError)
	prefetchCoord := prefetch.NewCoordinator(store, fetchClient, l)

	info := func() election.Info {
		peers := hub.Peers()
		return election.Info{
			SelfID:          self,
			Peers:           peers,
			HostsTimestamp:  peers.Timestamp,
			RefreshInterval: peer.DefaultInterval,
		}
	}
	stampSource := func() *wire.Stamp {
		sched, ok := hub.OwnedSchedule()
		if !ok {
			sched, ok = hub.LastKnownSchedule()
		}
		if !ok {
			return nil
		}
		return &wire.Stamp{TimestampMs: sched.TimestampMs, Hash: sched.Hash, Origin: sched.Origin}
	}
	onState := func(s election.State, now time.Time) {
		wasLeader := hub.IsLeader()
		hub.UpdateElection(s, now)
		if s.IsLeader && !wasLeader {
			fetchClient.BecomeStableLeader()
			peers := hub.Peers()
			peerIDs := make([]id.Id, 0, len(peers.Mapping))
			for peerID := range peers.Mapping {
				if peerID != self {
					peerIDs = append(peerIDs, peerID)
				}
			}
			prefetchCoord.Reset(peerIDs)
			go runPrefetchWindow(ctx, prefetchCoord, hub)
		}
	}
	onStamp := func(p peer.Peer, stamp wire.Stamp) {
		dir.ObserveStamp(p.Id, stamp)
		prefetchCoord.Announce(ctx, p, stamp, nil)
	}

	tr, err := transport.New(udpAddr, self, machine, l, info, stampSource, onState, onStamp)
	if err != nil {
		l.Error("failed to bind election transport", zap.Error(err))
		os.Exit(exitListenerFailure)
	}

	debugLog := log.NewRingBuffer(200)

	drv := driver.New(hub, backend, opts.configDir, debugLog, l)

	configWatcher, watchErr := driver.NewWatcher(opts.configDir, l)
	if watchErr != nil {
		l.Warn("config directory watcher disabled", zap.Error(watchErr))
	}

	registry := apimetrics.NewRegistry()
	metrics, err := apimetrics.NewMetrics("verwalter", registry)
	if err != nil {
		l.Warn("failed to register metrics", zap.Error(err))
	}

	server := api.NewServer(hub, actions, debugLog, registry, metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go dir.Run(ctx, hub.SetPeers)
	go func() {
		if err := tr.Run(ctx); err != nil {
			l.Error("election transport stopped", zap.Error(err))
		}
	}()

	schedulePath := filepath.Join(opts.storageDir, "schedule.json")
	go driverLoop(ctx, drv, hub, schedulePath, l)
	go followerLoop(ctx, hub, fetchClient, metrics, l)
	if configWatcher != nil {
		go configWatcher.Run(ctx.Done(), func() {
			if err := drv.Reload(); err != nil {
				l.Warn("scheduler reload failed", zap.Error(err))
			}
		})
	}

	httpAddr := fmt.Sprintf("%s:%d", opts.host, opts.httpPort)
	httpServer := &http.Server{Addr: httpAddr, Handler: server}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error("http frontend stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = tr.Close()
	_ = drv.Close()
	if configWatcher != nil {
		_ = configWatcher.Close()
	}

	return nil
}

// runPrefetchWindow waits for the Prefetch Coordinator to converge (or
// MaxPrefetchTime to elapse) after a leadership transition, then
// publishes the resolved parent set for the driver to consume (spec
// §4.4 step 4-5).
func runPrefetchWindow(ctx context.Context, coord *prefetch.Coordinator, hub *state.Hub) {
	deadline := time.NewTimer(prefetch.MaxPrefetchTime)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			hub.SetParents(coord.Parents())
			return
		case <-ticker.C:
			if coord.Done() {
				hub.SetParents(coord.Parents())
				return
			}
		}
	}
}

// followerLoop replicates the cluster's schedule from the current
// leader whenever this node isn't leader itself (spec §4.4/§4.6, C6).
func followerLoop(ctx context.Context, hub *state.Hub, client *fetch.Client, metrics apimetrics.Metrics, l log.Logger) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e := hub.Election()
			if e.IsLeader || e.LeaderID == nil {
				continue
			}
			leaderPeer, ok := hub.Peers().Get(*e.LeaderID)
			if !ok {
				continue
			}
			client.NoteLeader(*e.LeaderID)

			sched, err := client.Poll(ctx, leaderPeer)
			if err != nil {
				l.Warn("failed to replicate schedule from leader", zap.Stringer("leader", *e.LeaderID), zap.Error(err))
				if metrics != nil {
					metrics.FetchFailures().Inc()
				}
				continue
			}
			if err := hub.SetScheduleByFollower(sched); err != nil {
				l.Warn("rejected replicated schedule", zap.Error(err))
			}
		}
	}
}

func driverLoop(ctx context.Context, drv *driver.Driver, hub *state.Hub, schedulePath string, l log.Logger) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastPersistedHash string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := drv.RunOnce(ctx, time.Now()); err != nil {
				l.Warn("scheduler driver run failed", zap.Error(err))
				continue
			}
			sched, ok := hub.OwnedSchedule()
			if !ok || sched.Hash == lastPersistedHash {
				continue
			}
			if err := persistScheduleFile(schedulePath, sched); err != nil {
				l.Warn("failed to persist schedule.json", zap.Error(err))
				continue
			}
			lastPersistedHash = sched.Hash
		}
	}
}

// persistScheduleFile atomically writes sched to path (spec §6:
// schedule.json must never be observed half-written), so a restart
// can pick up the last leader-authored schedule via
// restoreScheduleFile.
func persistScheduleFile(path string, sched schedule.Schedule) error {
	doc := struct {
		TimestampMs int64                  `json:"timestamp_ms"`
		Hash        string                 `json:"hash"`
		Origin      string                 `json:"origin"`
		Data        map[string]interface{} `json:"data"`
	}{
		TimestampMs: sched.TimestampMs,
		Hash:        sched.Hash,
		Origin:      sched.Origin.String(),
		Data:        sched.Data,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding schedule.json: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".schedule-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// runDryRun computes one schedule without joining the cluster or
// publishing anything over the network: it forces this node into the
// leader role locally, runs the scheduler once, and prints the result
// to stdout (spec §4.8's --dry-run).
func runDryRun(hub *state.Hub, backend scheduler.Backend, opts *options, l log.Logger) error {
	hub.UpdateElection(election.State{IsLeader: true, IsStable: true}, time.Now())

	drv := driver.New(hub, backend, opts.configDir, nil, l)
	defer drv.Close()

	if err := drv.RunOnce(context.Background(), time.Now()); err != nil {
		return fmt.Errorf("dry run: %w", err)
	}

	sched, ok := hub.OwnedSchedule()
	if !ok {
		return fmt.Errorf("dry run: scheduler produced no schedule")
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"timestamp_ms": sched.TimestampMs,
		"hash":         sched.Hash,
		"num_roles":    sched.NumRoles,
		"data":         sched.Data,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("dry run: encoding schedule: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func resolveSelfID(opts *options) (id.Id, error) {
	if opts.overrideMachineID != "" {
		return id.FromHex(opts.overrideMachineID)
	}
	return id.MachineID()
}

func restoreScheduleFile(store *schedule.Store, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc struct {
		TimestampMs int64                  `json:"timestamp_ms"`
		Hash        string                 `json:"hash"`
		Origin      string                 `json:"origin"`
		Data        map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	origin, err := id.FromHex(doc.Origin)
	if err != nil {
		return fmt.Errorf("parsing origin in %s: %w", path, err)
	}

	sched, err := schedule.New(time.UnixMilli(doc.TimestampMs), doc.Data, origin)
	if err != nil {
		return fmt.Errorf("rebuilding restored schedule: %w", err)
	}
	if sched.Hash != doc.Hash {
		return fmt.Errorf("restored schedule.json hash mismatch: have %s want %s", sched.Hash, doc.Hash)
	}

	store.Put(sched)
	store.SetLastKnown(sched.Hash)
	return nil
}
