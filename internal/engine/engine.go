// Package engine serializes every mutation of every window tree through one
// task queue, so domain code runs single-threaded and lock-free.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arbortabs/arbor/internal/domain/group"
	"github.com/arbortabs/arbor/internal/domain/recovery"
	"github.com/arbortabs/arbor/internal/domain/restructure"
	"github.com/arbortabs/arbor/internal/domain/selection"
	domainsync "github.com/arbortabs/arbor/internal/domain/sync"
	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/infrastructure/config"
	"github.com/arbortabs/arbor/internal/infrastructure/logging"
	"github.com/arbortabs/arbor/internal/infrastructure/monitoring"
	"github.com/arbortabs/arbor/internal/infrastructure/resilience"
	"github.com/arbortabs/arbor/internal/shared/id"
	"github.com/arbortabs/arbor/internal/store"
)

// ErrWindowUnknown is returned for operations on untracked windows.
var ErrWindowUnknown = errors.New("window not tracked")

// ErrStopped is returned when the engine is shutting down.
var ErrStopped = errors.New("engine stopped")

// Engine owns the per-window trees and every collaborator that mutates them.
//
// All mutations run on the loop goroutine: host events, user gestures, and
// storage callbacks are posted as tasks and execute one at a time. Outbound
// host and store calls are asynchronous; their completions re-enter through
// the same queue.
type Engine struct {
	cfg      config.EngineConfig
	log      *logging.Logger
	metrics  *monitoring.Metrics
	registry host.Registry
	events   host.EventSource
	recovery *recovery.Manager
	infos    *host.InfoCache

	restruct *restructure.Engine
	groups   *group.Virtualizer

	trees      map[int]*tree.Tree
	syncs      map[int]*domainsync.Synchronizer
	selections map[int]*selection.Manager

	tasks    chan func()
	stopped  chan struct{}
	loopEnd  chan struct{}
	stopOnce sync.Once

	// Save debouncing. generation stamps each snapshot so the engine can
	// recognize its own writes coming back through the store watcher.
	dirty      map[int]bool
	saveTimer  *time.Timer
	saves      sync.WaitGroup
	generation atomic.Uint64

	watchCancel func()
}

// Options wires an engine.
type Options struct {
	Config   config.EngineConfig
	Log      *logging.Logger
	Metrics  *monitoring.Metrics
	Registry host.Registry
	Events   host.EventSource
	Store    store.Store
	Retry    resilience.Policy
}

// New creates a stopped engine; call Start to bootstrap and run it.
func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = logging.NewNop()
	}
	infos := host.NewInfoCache()

	e := &Engine{
		cfg:        opts.Config,
		log:        log,
		metrics:    opts.Metrics,
		registry:   opts.Registry,
		events:     opts.Events,
		infos:      infos,
		trees:      make(map[int]*tree.Tree),
		syncs:      make(map[int]*domainsync.Synchronizer),
		selections: make(map[int]*selection.Manager),
		tasks:      make(chan func(), 256),
		stopped:    make(chan struct{}),
		loopEnd:    make(chan struct{}),
		dirty:      make(map[int]bool),
	}
	e.groups = group.NewVirtualizer(opts.Registry, log, e.post)
	e.recovery = recovery.NewManager(opts.Store, opts.Registry, infos, log, opts.Metrics, opts.Retry).WithGroups(e.groups)
	e.restruct = restructure.NewEngine(opts.Registry, log, restructure.DuplicatePosition(opts.Config.DuplicatePosition), e.post)
	// Route duplicate claims to the synchronizer of the owning window so the
	// host's created event binds the existing node instead of minting one.
	e.restruct.SetDuplicateClaim(func(origTabID int, nodeID id.NodeID) {
		for windowID, t := range e.trees {
			if _, ok := t.NodeByTab(origTabID); ok {
				e.syncs[windowID].ExpectDuplicate(origTabID, nodeID)
				return
			}
		}
	})
	return e
}

// Start recovers every window and runs the task loop. Live windows claim
// persisted snapshots by URL overlap; host window ids are never trusted
// across restarts.
func (e *Engine) Start(ctx context.Context) error {
	var live []host.TabRecord
	if e.registry != nil {
		var err error
		live, err = e.registry.QueryAll(ctx)
		if err != nil {
			e.log.Warn("live inventory unavailable at start", zap.Error(err))
		}
	}

	byWindow := make(map[int][]host.TabRecord)
	for _, rec := range live {
		byWindow[rec.WindowID] = append(byWindow[rec.WindowID], rec)
	}
	if len(byWindow) == 0 {
		// Headless start: a single empty window keeps the API usable.
		byWindow[1] = nil
	}

	snaps := e.loadSnapshots(ctx)
	claims := recovery.ClaimWindows(snaps, byWindow)

	for windowID, recs := range byWindow {
		t, err := e.recoverWindow(ctx, windowID, recs, claims[windowID])
		if err != nil {
			return err
		}
		e.adoptWindow(windowID, t)
	}

	go e.loop()
	if e.events != nil {
		go e.pumpEvents()
	}
	e.watchStore()

	e.log.Info("engine live",
		zap.Int("windows", len(e.trees)),
		zap.Bool("degraded", e.recovery.Degraded()),
	)
	return nil
}

// Stop drains the queue, flushes pending saves, and halts the loop.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.do(func() error {
		e.flushSaves(ctx)
		return nil
	})
	if errors.Is(err, ErrStopped) {
		err = nil
	}
	e.stopOnce.Do(func() {
		if e.watchCancel != nil {
			e.watchCancel()
		}
		close(e.stopped)
	})
	select {
	case <-e.loopEnd:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.saves.Wait()
	return err
}

// WindowIDs lists tracked windows.
func (e *Engine) WindowIDs() []int {
	var out []int
	_ = e.do(func() error {
		for wid := range e.trees {
			out = append(out, wid)
		}
		return nil
	})
	return out
}

// Snapshot returns a point-in-time copy of one window's tree, safe to encode
// off the loop.
func (e *Engine) Snapshot(windowID int) (*recovery.Snapshot, error) {
	var snap *recovery.Snapshot
	err := e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		snap = recovery.Capture(t, e.generation.Load())
		return nil
	})
	return snap, err
}

// HandleDrop applies one drop gesture.
func (e *Engine) HandleDrop(ctx context.Context, windowID int, intent restructure.DropIntent) error {
	return e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		if err := e.restruct.HandleDrop(ctx, t, intent); err != nil {
			e.reject("drop", err)
			return err
		}
		e.mutated(windowID, "drop")
		return nil
	})
}

// Duplicate clones a tab node per policy.
func (e *Engine) Duplicate(ctx context.Context, windowID int, nodeID id.NodeID) (*tree.Node, error) {
	var dup *tree.Node
	err := e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		n, err := e.restruct.Duplicate(ctx, t, nodeID)
		if err != nil {
			e.reject("duplicate", err)
			return err
		}
		dup = n.Clone()
		e.mutated(windowID, "duplicate")
		return nil
	})
	return dup, err
}

// HandleSelect applies one click and returns the selected node ids in
// visible order.
func (e *Engine) HandleSelect(windowID int, nodeID id.NodeID, mods selection.Modifiers) ([]id.NodeID, error) {
	var out []id.NodeID
	err := e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		sel := e.selections[windowID]
		sel.Select(t, nodeID, mods)
		out = sel.Ordered(t, t.ActiveViewID())
		return nil
	})
	return out, err
}

// CreateView adds a view to a window.
func (e *Engine) CreateView(windowID int, name, color string) (*tree.View, error) {
	var v *tree.View
	err := e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		v = t.CreateView(name, color).Clone()
		e.mutated(windowID, "view_create")
		return nil
	})
	return v, err
}

// DeleteView removes a view; its contents migrate to the default view.
func (e *Engine) DeleteView(windowID int, viewID id.ViewID) error {
	return e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		if err := t.DeleteView(viewID); err != nil {
			e.reject("view_delete", err)
			return err
		}
		e.selections[windowID].Prune(t)
		e.mutated(windowID, "view_delete")
		return nil
	})
}

// SwitchView changes a window's active view.
func (e *Engine) SwitchView(windowID int, viewID id.ViewID) error {
	return e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		if err := t.SetActiveView(viewID); err != nil {
			return err
		}
		e.mutated(windowID, "view_switch")
		return nil
	})
}

// MoveToView moves a subtree into another view as a root.
func (e *Engine) MoveToView(windowID int, nodeID id.NodeID, viewID id.ViewID) error {
	return e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		if err := t.MoveToView(nodeID, viewID, -1); err != nil {
			e.reject("view_move", err)
			return err
		}
		e.mutated(windowID, "view_move")
		return nil
	})
}

// CreateGroup groups the given nodes under a new placeholder.
func (e *Engine) CreateGroup(ctx context.Context, windowID int, memberIDs []id.NodeID, name, color string) (*tree.Group, error) {
	var g *tree.Group
	err := e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		created, err := e.groups.Create(ctx, t, memberIDs, name, color)
		if err != nil {
			e.reject("group_create", err)
			return err
		}
		g = created.Clone()
		e.mutated(windowID, "group_create")
		return nil
	})
	return g, err
}

// DissolveGroup promotes a group's children and removes it.
func (e *Engine) DissolveGroup(windowID int, groupID id.GroupID) error {
	return e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		if err := e.groups.Dissolve(t, groupID); err != nil {
			e.reject("group_dissolve", err)
			return err
		}
		e.selections[windowID].Prune(t)
		e.mutated(windowID, "group_dissolve")
		return nil
	})
}

// ToggleGroupExpand flips a group's collapsed flag.
func (e *Engine) ToggleGroupExpand(windowID int, groupID id.GroupID) error {
	return e.do(func() error {
		t, ok := e.trees[windowID]
		if !ok {
			return fmt.Errorf("window %d: %w", windowID, ErrWindowUnknown)
		}
		if err := e.groups.ToggleExpand(t, groupID); err != nil {
			return err
		}
		e.mutated(windowID, "group_toggle")
		return nil
	})
}

// GetTabInfo returns the cached attributes of a tab.
func (e *Engine) GetTabInfo(tabID int) (host.TabInfo, bool) {
	var info host.TabInfo
	var ok bool
	_ = e.do(func() error {
		info, ok = e.infos.Get(tabID)
		return nil
	})
	return info, ok
}

// Degraded reports whether the session runs without persistence.
func (e *Engine) Degraded() bool { return e.recovery.Degraded() }

// do posts fn to the loop and waits for it. post is its fire-and-forget twin
// used by async completions.
func (e *Engine) do(fn func() error) error {
	done := make(chan error, 1)
	select {
	case e.tasks <- func() { done <- fn() }:
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.stopped:
	}
}

func (e *Engine) loop() {
	defer close(e.loopEnd)
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.stopped:
			// Drain gestures already queued.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) pumpEvents() {
	for ev := range e.events.Events() {
		ev := ev
		e.post(func() { e.applyEvent(ev) })
	}
}

func (e *Engine) applyEvent(ev host.Event) {
	if e.metrics != nil {
		e.metrics.RecordHostEvent(string(ev.Type))
	}
	windowID := ev.WindowID
	if windowID == 0 && ev.Tab != nil {
		windowID = ev.Tab.WindowID
	}
	t, ok := e.trees[windowID]
	if !ok {
		if ev.Type != host.EventCreated && ev.Type != host.EventAttached {
			e.log.Debug("event for untracked window", zap.Int("window_id", windowID))
			return
		}
		t = tree.New(windowID)
		e.adoptWindow(windowID, t)
	}
	e.syncs[windowID].Apply(t, ev)
	e.selections[windowID].Prune(t)
	e.trackNodeCount()
}

func (e *Engine) adoptWindow(windowID int, t *tree.Tree) {
	e.trees[windowID] = t
	e.selections[windowID] = selection.NewManager()
	e.syncs[windowID] = domainsync.New(
		e.log,
		domainsync.ChildDisposition(e.cfg.ChildDisposition),
		e.infos,
		func() { e.scheduleSave(windowID) },
	)
}

// recoverWindow reconciles one live window against the snapshot it claimed.
// The snapshot may have been written under a previous session's window id, so
// it is re-keyed under the live id before Recover loads it.
func (e *Engine) recoverWindow(ctx context.Context, windowID int, live []host.TabRecord, claimed *recovery.Snapshot) (*tree.Tree, error) {
	if claimed != nil && claimed.WindowID != windowID {
		oldID := claimed.WindowID
		claimed.WindowID = windowID
		if err := e.recovery.Save(ctx, claimed); err != nil {
			e.log.Warn("snapshot re-key failed", zap.Error(err))
		} else if err := e.recovery.Drop(ctx, oldID); err != nil {
			e.log.Warn("stale snapshot cleanup failed", zap.Error(err))
		}
	}
	return e.recovery.Recover(ctx, windowID, live)
}

func (e *Engine) loadSnapshots(ctx context.Context) []*recovery.Snapshot {
	ids, err := e.recovery.StoredWindowIDs(ctx)
	if err != nil {
		e.log.Warn("listing stored windows failed", zap.Error(err))
		return nil
	}
	var out []*recovery.Snapshot
	for _, windowID := range ids {
		snap, err := e.recovery.Load(ctx, windowID)
		if err != nil {
			e.log.Warn("stored snapshot unreadable",
				zap.Int("window_id", windowID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, snap)
	}
	return out
}

// mutated records a committed mutation and schedules persistence.
func (e *Engine) mutated(windowID int, kind string) {
	if e.metrics != nil {
		e.metrics.RecordMutation(kind)
	}
	e.scheduleSave(windowID)
	e.trackNodeCount()
}

func (e *Engine) reject(kind string, err error) {
	if e.metrics != nil {
		e.metrics.RecordRejection(kind)
	}
	e.log.Debug("mutation rejected", zap.String("kind", kind), zap.Error(err))
}

func (e *Engine) trackNodeCount() {
	if e.metrics == nil {
		return
	}
	total := 0
	for _, t := range e.trees {
		total += t.Len()
	}
	e.metrics.NodesTracked.Set(float64(total))
}

// scheduleSave marks a window dirty and (re)arms the debounce timer. Bursts
// of mutations coalesce into one write per window.
func (e *Engine) scheduleSave(windowID int) {
	e.dirty[windowID] = true
	if e.saveTimer != nil {
		e.saveTimer.Stop()
	}
	debounce := e.cfg.SaveDebounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	e.saveTimer = time.AfterFunc(debounce, func() {
		e.post(func() { e.flushSaves(context.Background()) })
	})
}

// flushSaves captures every dirty window on the loop, then writes off-loop.
func (e *Engine) flushSaves(ctx context.Context) {
	if len(e.dirty) == 0 {
		return
	}
	generation := e.generation.Add(1)
	var snaps []*recovery.Snapshot
	for windowID := range e.dirty {
		t, ok := e.trees[windowID]
		if !ok {
			continue
		}
		snaps = append(snaps, recovery.Capture(t, generation))
	}
	e.dirty = make(map[int]bool)

	e.saves.Add(1)
	go func() {
		defer e.saves.Done()
		for _, snap := range snaps {
			if err := e.recovery.Save(ctx, snap); err != nil {
				e.log.Warn("snapshot save failed",
					zap.Int("window_id", snap.WindowID),
					zap.Error(err),
				)
			}
		}
	}()
}

// watchStore subscribes to store changes so external writers are noticed.
// The engine's own writes come back stamped with a generation it has already
// seen and are ignored.
func (e *Engine) watchStore() {
	ch, cancel := e.recovery.Watch()
	if ch == nil {
		return
	}
	e.watchCancel = cancel
	go func() {
		for change := range ch {
			change := change
			if change.NewValue == nil {
				continue
			}
			snap, err := recovery.Decode(change.NewValue)
			if err != nil {
				continue
			}
			if snap.Generation <= e.generation.Load() {
				continue // our own write echoing back
			}
			e.post(func() {
				e.log.Info("external store write observed",
					zap.String("key", change.Key),
					zap.Uint64("generation", snap.Generation),
				)
			})
		}
	}()
}
