// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package picker maintains a per-datacenter inventory of storage nodes and
// selects replica tuples for object writes.
package picker

import (
	"context"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/manta-io/muskie/internal/sync2"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
)

var (
	mon = monkit.Package()

	// Error is the class of picker errors.
	Error = errs.Class("picker error")
)

const bytesPerMB = 1 << 20

// Config configures inventory refresh and selection.
type Config struct {
	Interval           time.Duration `help:"how often to refresh the storage node inventory" default:"30s"`
	Lag                time.Duration `help:"ignore node records older than this" default:"1h"`
	UtilizationCeiling int64         `help:"ignore nodes more utilized than this percentage" default:"90"`
	DefaultSizeMB      int64         `help:"assumed object size when the request does not declare one" default:"5120"`
	IgnoreSize         bool          `help:"treat every size requirement as 1MB (small test deployments only)" default:"false"`
	MultiDC            bool          `help:"require replica tuples to span at least two datacenters" default:"false"`
	PageSize           int           `help:"node records fetched per metadata page" default:"1000"`
}

// Snapshot is an immutable view of the eligible inventory. Readers never
// mutate it; refresh builds a fresh one and swaps the pointer.
type Snapshot struct {
	// Datacenters is the ordered list of datacenter names.
	Datacenters []string
	// Nodes maps datacenter to its nodes, sorted ascending by AvailableMB.
	Nodes map[string][]moray.StorageNode
}

// Picker selects storage nodes for writes.
type Picker struct {
	log *zap.Logger
	cfg Config
	db  moray.Client

	snapshot atomic.Pointer[Snapshot]
	cursor   atomic.Uint64

	cycle      *sync2.Cycle
	onTopology func(*Snapshot)
}

// New creates a picker over the metadata tier. onTopology, when non-nil, is
// called after every successful inventory swap.
func New(log *zap.Logger, db moray.Client, cfg Config, onTopology func(*Snapshot)) *Picker {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	return &Picker{
		log:        log,
		cfg:        cfg,
		db:         db,
		cycle:      sync2.NewCycle(cfg.Interval),
		onTopology: onTopology,
	}
}

// Run refreshes the inventory on startup and then every interval until ctx is
// canceled. Refresh failures are logged, not fatal.
func (picker *Picker) Run(ctx context.Context) error {
	return picker.cycle.Run(ctx, func(ctx context.Context) error {
		if err := picker.refresh(ctx); err != nil {
			picker.log.Warn("storage node inventory refresh failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the refresh loop.
func (picker *Picker) Close() error {
	picker.cycle.Stop()
	return nil
}

// RefreshNow forces a synchronous refresh outside the schedule.
func (picker *Picker) RefreshNow() {
	picker.cycle.TriggerWait()
}

// Snapshot returns the current inventory view, which may be nil before the
// first successful refresh.
func (picker *Picker) Snapshot() *Snapshot {
	return picker.snapshot.Load()
}

func (picker *Picker) refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	opts := moray.FindNodesOptions{
		Limit:          picker.cfg.PageSize,
		MaxPercentUsed: picker.cfg.UtilizationCeiling,
		MinTimestamp:   time.Now().Add(-picker.cfg.Lag).UnixMilli(),
	}

	byDC := map[string][]moray.StorageNode{}
	total := 0
	for {
		page, err := picker.db.FindStorageNodes(ctx, opts)
		if err != nil {
			return Error.Wrap(err)
		}
		for _, node := range page {
			byDC[node.Datacenter] = append(byDC[node.Datacenter], node)
			total++
		}
		if len(page) < picker.cfg.PageSize {
			break
		}
		opts.AfterID = page[len(page)-1].ID
	}

	if total == 0 {
		picker.log.Warn("storage node inventory came back empty, keeping previous topology")
		return nil
	}

	fresh := &Snapshot{Nodes: byDC}
	for dc, nodes := range byDC {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].AvailableMB < nodes[j].AvailableMB })
		fresh.Datacenters = append(fresh.Datacenters, dc)
	}
	sort.Strings(fresh.Datacenters)

	picker.snapshot.Store(fresh)
	mon.IntVal("storage_nodes").Observe(int64(total))
	picker.log.Info("storage node topology updated",
		zap.Int("nodes", total), zap.Int("datacenters", len(fresh.Datacenters)))
	if picker.onTopology != nil {
		picker.onTopology(fresh)
	}
	return nil
}

// candidate is one datacenter's eligible window [low, len).
type candidate struct {
	dc  string
	low int
}

// Choose picks up to three replica tuples (a primary and two whole-tuple
// fallbacks) for an object of size bytes with the given replica count.
func (picker *Picker) Choose(ctx context.Context, size int64, replicas int) (_ [][]moray.StorageNode, err error) {
	defer mon.Task()(&ctx)(&err)

	sizeMB := picker.requiredMB(size)

	snapshot := picker.snapshot.Load()
	if snapshot == nil {
		return nil, merr.NotEnoughSpace(sizeMB)
	}

	var candidates []candidate
	for _, dc := range snapshot.Datacenters {
		nodes := snapshot.Nodes[dc]
		low := sort.Search(len(nodes), func(i int) bool { return nodes[i].AvailableMB >= sizeMB })
		if low == len(nodes) {
			// multi-replica placement requires every datacenter open
			if replicas > 1 {
				return nil, merr.NotEnoughSpace(sizeMB)
			}
			continue
		}
		candidates = append(candidates, candidate{dc: dc, low: low})
	}

	// Fisher-Yates over the surviving datacenters
	for i := len(candidates) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}

	if len(candidates) == 0 {
		return nil, merr.NotEnoughSpace(sizeMB)
	}
	if picker.cfg.MultiDC && len(candidates) < 2 {
		return nil, merr.NotEnoughSpace(sizeMB)
	}

	const tupleCount = 3
	seen := map[string]bool{}
	var tuples [][]moray.StorageNode

	for t := 0; t < tupleCount; t++ {
		tuple := picker.chooseTuple(snapshot, candidates, replicas, seen)
		if tuple == nil {
			if t == 0 {
				return nil, merr.NotEnoughSpace(sizeMB)
			}
			break
		}
		if picker.cfg.MultiDC && replicas > 1 && !spansTwoDCs(tuple) {
			return nil, merr.NotEnoughSpace(sizeMB)
		}
		tuples = append(tuples, tuple)
	}

	return tuples, nil
}

// chooseTuple walks datacenters round-robin from the persistent cursor,
// picking a uniformly random unseen node from each eligible window. Returns
// nil when a datacenter's window is exhausted.
func (picker *Picker) chooseTuple(snapshot *Snapshot, candidates []candidate, replicas int, seen map[string]bool) []moray.StorageNode {
	tuple := make([]moray.StorageNode, 0, replicas)
	for r := 0; r < replicas; r++ {
		slot := candidates[int(picker.cursor.Add(1)-1)%len(candidates)]
		nodes := snapshot.Nodes[slot.dc]
		window := len(nodes) - slot.low

		offset := rand.Intn(window)
		found := false
		for probe := 0; probe < window; probe++ {
			node := nodes[slot.low+(offset+probe)%window]
			if seen[node.MantaStorageID] {
				continue
			}
			seen[node.MantaStorageID] = true
			tuple = append(tuple, node)
			found = true
			break
		}
		if !found {
			return nil
		}
	}
	return tuple
}

func spansTwoDCs(tuple []moray.StorageNode) bool {
	for _, node := range tuple[1:] {
		if node.Datacenter != tuple[0].Datacenter {
			return true
		}
	}
	return false
}

func (picker *Picker) requiredMB(size int64) int64 {
	if picker.cfg.IgnoreSize {
		return 1
	}
	if size <= 0 {
		return picker.cfg.DefaultSizeMB
	}
	return (size + bytesPerMB - 1) / bytesPerMB
}
