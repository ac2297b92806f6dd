package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/arbortabs/arbor/internal/domain/group"
	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/infrastructure/logging"
	"github.com/arbortabs/arbor/internal/infrastructure/monitoring"
	"github.com/arbortabs/arbor/internal/infrastructure/resilience"
	"github.com/arbortabs/arbor/internal/shared/id"
	"github.com/arbortabs/arbor/internal/store"
)

// State tracks a window's recovery progress.
type State string

const (
	StateCold        State = "cold"
	StateLoading     State = "loading"
	StateReconciling State = "reconciling"
	StateLive        State = "live"
)

// KeyForWindow is the store key holding a window's snapshot.
func KeyForWindow(windowID int) string {
	return fmt.Sprintf("window:%d", windowID)
}

// Manager loads, reconciles, and saves window snapshots.
//
// When the store stays unreachable past the retry budget, the manager
// degrades to in-memory-only operation for the rest of the session: trees
// still work, nothing persists, and Degraded reports true.
type Manager struct {
	store    store.Store
	registry host.Registry
	infos    *host.InfoCache
	log      *logging.Logger
	metrics  *monitoring.Metrics
	retry    resilience.Policy

	groups *group.Virtualizer

	state    State
	degraded bool
}

// NewManager creates a recovery manager.
func NewManager(st store.Store, registry host.Registry, infos *host.InfoCache, log *logging.Logger, metrics *monitoring.Metrics, retry resilience.Policy) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	if infos == nil {
		infos = host.NewInfoCache()
	}
	return &Manager{
		store:    st,
		registry: registry,
		infos:    infos,
		log:      log,
		metrics:  metrics,
		retry:    retry,
		state:    StateCold,
	}
}

// WithGroups attaches the virtualizer used to rebuild placeholder nodes a
// snapshot lost. Without it, groups whose placeholder is missing keep only
// their aggregate record.
func (m *Manager) WithGroups(v *group.Virtualizer) *Manager {
	m.groups = v
	return m
}

// State returns the current recovery state.
func (m *Manager) State() State { return m.state }

// Degraded reports whether the session runs without persistence.
func (m *Manager) Degraded() bool { return m.degraded }

// Recover produces the live tree for one window: load the snapshot, rebind it
// against the live inventory, or fall back to a full resync when no usable
// snapshot exists.
func (m *Manager) Recover(ctx context.Context, windowID int, live []host.TabRecord) (*tree.Tree, error) {
	m.state = StateLoading
	for _, rec := range live {
		m.infos.Update(rec)
	}

	snap, err := m.load(ctx, windowID)
	if err != nil {
		if !errors.Is(err, store.ErrKeyNotFound) {
			m.log.Warn("snapshot unavailable, rebuilding from live inventory",
				zap.Int("window_id", windowID),
				zap.Error(err),
			)
		}
		t := m.fullResync(windowID, live)
		m.state = StateLive
		return t, nil
	}

	m.state = StateReconciling
	t, err := snap.Restore()
	if err != nil {
		m.log.Error("snapshot restore failed, rebuilding from live inventory",
			zap.Int("window_id", windowID),
			zap.Error(err),
		)
		t = m.fullResync(windowID, live)
		m.state = StateLive
		return t, nil
	}
	t.SetWindowID(windowID)

	m.reconcile(ctx, t, live)
	if m.metrics != nil {
		m.metrics.ReconcilesTotal.Inc()
	}
	m.state = StateLive
	return t, nil
}

// Save encodes and writes one window's snapshot, retrying per policy. After
// the retry budget is exhausted the session degrades to in-memory-only.
func (m *Manager) Save(ctx context.Context, snap *Snapshot) error {
	if m.degraded {
		return nil
	}
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	err = m.retry.Do(ctx, func() error {
		return m.store.Set(ctx, KeyForWindow(snap.WindowID), data)
	})
	if err != nil {
		if m.metrics != nil {
			m.metrics.SnapshotSaveErrors.Inc()
		}
		if errors.Is(err, resilience.ErrRetriesExhausted) {
			m.degrade(err)
		}
		return err
	}
	if m.metrics != nil {
		m.metrics.SnapshotSaves.Inc()
	}
	return nil
}

// Load reads and decodes one window's snapshot. Returns
// store.ErrKeyNotFound when no snapshot exists.
func (m *Manager) Load(ctx context.Context, windowID int) (*Snapshot, error) {
	return m.load(ctx, windowID)
}

// Drop removes one window's persisted snapshot.
func (m *Manager) Drop(ctx context.Context, windowID int) error {
	return m.store.Delete(ctx, KeyForWindow(windowID))
}

// Watch exposes the store's change feed.
func (m *Manager) Watch() (<-chan store.Change, func()) {
	return m.store.Watch()
}

// StoredWindowIDs lists the window ids with persisted snapshots.
func (m *Manager) StoredWindowIDs(ctx context.Context) ([]int, error) {
	keys, err := m.store.Keys(ctx, "window:")
	if err != nil {
		return nil, err
	}
	var out []int
	for _, k := range keys {
		var windowID int
		if _, err := fmt.Sscanf(k, "window:%d", &windowID); err == nil {
			out = append(out, windowID)
		}
	}
	sort.Ints(out)
	return out, nil
}

// ClaimWindows pairs persisted snapshots with live windows. Host window ids
// are not stable across restarts, so each live window claims the unclaimed
// snapshot sharing the most tab URLs; ties and claims resolve in ascending
// window id order for determinism.
func ClaimWindows(snaps []*Snapshot, liveByWindow map[int][]host.TabRecord) map[int]*Snapshot {
	liveIDs := make([]int, 0, len(liveByWindow))
	for wid := range liveByWindow {
		liveIDs = append(liveIDs, wid)
	}
	sort.Ints(liveIDs)

	claimed := make(map[*Snapshot]bool, len(snaps))
	out := make(map[int]*Snapshot, len(liveIDs))

	for _, wid := range liveIDs {
		urls := make(map[string]int)
		for _, rec := range liveByWindow[wid] {
			urls[rec.URL]++
		}

		var best *Snapshot
		bestScore := 0
		for _, snap := range snaps {
			if claimed[snap] {
				continue
			}
			score := snapshotURLOverlap(snap, urls)
			if score > bestScore || (score == bestScore && score > 0 && best != nil && snap.WindowID < best.WindowID) {
				best = snap
				bestScore = score
			}
		}
		if best != nil && bestScore > 0 {
			claimed[best] = true
			out[wid] = best
		}
	}
	return out
}

func snapshotURLOverlap(snap *Snapshot, urls map[string]int) int {
	remaining := make(map[string]int, len(urls))
	for u, c := range urls {
		remaining[u] = c
	}
	score := 0
	for _, vs := range snap.Views {
		for _, n := range vs.Nodes {
			if n.Kind == tree.KindTab && n.URL != "" && remaining[n.URL] > 0 {
				remaining[n.URL]--
				score++
			}
		}
	}
	return score
}

func (m *Manager) load(ctx context.Context, windowID int) (*Snapshot, error) {
	var data []byte
	err := m.retry.Do(ctx, func() error {
		var err error
		data, err = m.store.Get(ctx, KeyForWindow(windowID))
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil // absence is an answer, not a failure
		}
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrRetriesExhausted) {
			m.degrade(err)
		}
		return nil, err
	}
	if data == nil {
		return nil, store.ErrKeyNotFound
	}
	return Decode(data)
}

func (m *Manager) degrade(err error) {
	if m.degraded {
		return
	}
	m.degraded = true
	if m.metrics != nil {
		m.metrics.StoreDegraded.Set(1)
	}
	m.log.Error("store unreachable, running in-memory-only for this session", zap.Error(err))
}

// fullResync builds a flat tree from the live inventory: one root per
// unpinned tab in strip order, pinned tabs on the default view's strip.
func (m *Manager) fullResync(windowID int, live []host.TabRecord) *tree.Tree {
	t := tree.New(windowID)

	recs := append([]host.TabRecord(nil), live...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Index < recs[j].Index })

	for _, rec := range recs {
		if rec.Pinned {
			if err := t.Pin(rec.ID, t.DefaultViewID()); err != nil {
				m.log.Warn("resync pin failed", zap.Int("tab_id", rec.ID), zap.Error(err))
			}
			continue
		}
		n, err := t.CreateTabNode(rec.ID, t.DefaultViewID())
		if err != nil {
			m.log.Warn("resync node failed", zap.Int("tab_id", rec.ID), zap.Error(err))
			continue
		}
		n.URL = rec.URL
		n.Title = rec.Title
		n.FavIconURL = rec.FavIconURL
	}
	return t
}

// reconcile rebinds a restored tree to the live inventory in place.
func (m *Manager) reconcile(ctx context.Context, t *tree.Tree, live []host.TabRecord) {
	liveByID := make(map[int]host.TabRecord, len(live))
	liveByURL := make(map[string][]int)
	claimed := make(map[int]bool, len(live))
	for _, rec := range live {
		liveByID[rec.ID] = rec
		if !rec.Pinned {
			liveByURL[rec.URL] = append(liveByURL[rec.URL], rec.ID)
		}
	}
	for _, ids := range liveByURL {
		sort.Ints(ids)
	}

	// Pass 1: exact tab-id survivals claim first. Deterministic order.
	tabNodes := sortedTabNodes(t)
	for _, n := range tabNodes {
		if n.TabID == 0 {
			continue
		}
		if rec, ok := liveByID[n.TabID]; ok && !rec.Pinned && !claimed[n.TabID] {
			claimed[n.TabID] = true
			n.URL = rec.URL
			n.Title = rec.Title
			n.FavIconURL = rec.FavIconURL
		} else {
			// Stale id from the previous session.
			if err := t.RebindTab(n.ID, 0); err != nil {
				m.log.Warn("unbind failed", zap.Error(err))
			}
		}
	}

	// Pass 2: unbound nodes match by URL, lowest unclaimed live id wins.
	for _, n := range tabNodes {
		if n.TabID != 0 || n.URL == "" {
			continue
		}
		for _, tabID := range liveByURL[n.URL] {
			if claimed[tabID] {
				continue
			}
			if err := t.RebindTab(n.ID, tabID); err != nil {
				m.log.Warn("rebind failed", zap.Error(err))
				break
			}
			claimed[tabID] = true
			rec := liveByID[tabID]
			n.Title = rec.Title
			n.FavIconURL = rec.FavIconURL
			break
		}
	}

	// Pass 3: drop nodes no live tab could back. Children promote into the
	// dropped node's slot so the surviving structure keeps its shape.
	dropped := 0
	for _, n := range tabNodes {
		if n.TabID != 0 {
			continue
		}
		if _, ok := t.Node(n.ID); !ok {
			continue
		}
		promoteChildren(t, n)
		if err := t.RemoveNode(n.ID); err != nil {
			m.log.Warn("drop failed", zap.String("node_id", string(n.ID)), zap.Error(err))
			continue
		}
		dropped++
	}
	if dropped > 0 {
		m.log.Info("dropped unbindable nodes", zap.Int("count", dropped))
		if m.metrics != nil {
			m.metrics.NodesDropped.Add(float64(dropped))
		}
	}

	// Pinned membership comes from the live inventory, never the snapshot.
	for _, v := range t.Views() {
		v.PinnedTabIDs = v.PinnedTabIDs[:0]
	}
	for _, rec := range live {
		if !rec.Pinned {
			continue
		}
		if n, ok := t.NodeByTab(rec.ID); ok {
			// Pinned exclusivity: the live pin wins over a stale node.
			promoteChildren(t, n)
			if err := t.RemoveNode(n.ID); err != nil {
				m.log.Warn("pinned node removal failed", zap.Error(err))
				continue
			}
		}
		if err := t.Pin(rec.ID, t.ActiveViewID()); err != nil {
			m.log.Warn("reconcile pin failed", zap.Int("tab_id", rec.ID), zap.Error(err))
		}
	}

	// Unclaimed live tabs are new since the snapshot: adopt them as roots.
	for _, rec := range sortedByIndex(live) {
		if rec.Pinned || claimed[rec.ID] {
			continue
		}
		if _, ok := t.NodeByTab(rec.ID); ok {
			continue
		}
		n, err := t.CreateTabNode(rec.ID, t.ActiveViewID())
		if err != nil {
			m.log.Warn("adopt live tab failed", zap.Int("tab_id", rec.ID), zap.Error(err))
			continue
		}
		n.URL = rec.URL
		n.Title = rec.Title
		n.FavIconURL = rec.FavIconURL
	}

	m.ensurePlaceholders(t)
	m.rebindGroups(ctx, t, liveByID)
}

// ensurePlaceholders rebuilds the placeholder node of any group whose
// snapshot lost it, re-anchoring the surviving members under the fresh one.
func (m *Manager) ensurePlaceholders(t *tree.Tree) {
	if m.groups == nil {
		return
	}
	for _, g := range t.Groups() {
		if g.PlaceholderID != "" {
			if _, ok := t.Node(g.PlaceholderID); ok {
				continue
			}
		}
		var members []*tree.Node
		for _, memberID := range g.MemberNodeIDs {
			if n, ok := t.Node(memberID); ok && n.Kind == tree.KindTab {
				members = append(members, n)
			}
		}
		if len(members) == 0 {
			if err := t.RemoveGroup(g.ID); err != nil {
				m.log.Warn("empty group removal failed", zap.Error(err))
			}
			continue
		}

		first := members[0]
		placeholder, err := m.groups.EnsurePlaceholder(t, g, first.ViewID)
		if err != nil {
			m.log.Warn("placeholder rebuild failed",
				zap.String("group_id", string(g.ID)),
				zap.Error(err),
			)
			continue
		}
		if err := t.Attach(placeholder.ID, first.ParentID, siblingIndex(t, first)); err != nil {
			m.log.Warn("placeholder anchor failed", zap.Error(err))
		}
		for _, member := range members {
			if err := t.Attach(member.ID, placeholder.ID, -1); err != nil {
				m.log.Warn("member reparent failed", zap.Error(err))
			}
		}
	}
}

// rebindGroups points each group at the live host group its members landed
// in, creating a host group only when no member carries one.
func (m *Manager) rebindGroups(ctx context.Context, t *tree.Tree, liveByID map[int]host.TabRecord) {
	for _, g := range t.Groups() {
		counts := make(map[int]int)
		var memberTabs []int
		for _, memberID := range g.MemberNodeIDs {
			n, ok := t.Node(memberID)
			if !ok || n.Kind != tree.KindTab || n.TabID == 0 {
				continue
			}
			memberTabs = append(memberTabs, n.TabID)
			if rec, ok := liveByID[n.TabID]; ok && rec.GroupID != 0 {
				counts[rec.GroupID]++
			}
		}

		best, bestCount := 0, 0
		for hostGroupID, c := range counts {
			if c > bestCount || (c == bestCount && hostGroupID < best) {
				best, bestCount = hostGroupID, c
			}
		}
		if bestCount > 0 {
			g.HostGroupID = best
			continue
		}

		g.HostGroupID = 0
		if m.registry == nil || len(memberTabs) == 0 {
			continue
		}
		hostGroupID, err := m.registry.Group(ctx, memberTabs)
		if err != nil {
			m.log.Warn("host group recreation failed",
				zap.String("group_id", string(g.ID)),
				zap.Error(err),
			)
			continue
		}
		g.HostGroupID = hostGroupID
	}
}

func promoteChildren(t *tree.Tree, n *tree.Node) {
	parentID := n.ParentID
	children := append([]id.NodeID(nil), n.Children...)
	for i, childID := range children {
		idx := -1
		if i == 0 {
			idx = siblingIndex(t, n)
		} else if prev, ok := t.Node(children[i-1]); ok {
			idx = siblingIndex(t, prev) + 1
		}
		if err := t.Attach(childID, parentID, idx); err != nil {
			_ = t.Attach(childID, "", -1)
		}
	}
}

func siblingIndex(t *tree.Tree, n *tree.Node) int {
	var siblings []id.NodeID
	if n.ParentID != "" {
		if p, ok := t.Node(n.ParentID); ok {
			siblings = p.Children
		}
	} else if v, ok := t.View(n.ViewID); ok {
		siblings = v.RootNodeIDs
	}
	for i, sid := range siblings {
		if sid == n.ID {
			return i
		}
	}
	return -1
}

func sortedTabNodes(t *tree.Tree) []*tree.Node {
	var out []*tree.Node
	for _, v := range t.Views() {
		for _, rootID := range v.RootNodeIDs {
			for _, nid := range t.SubtreeIDs(rootID) {
				if n, ok := t.Node(nid); ok && n.Kind == tree.KindTab {
					out = append(out, n)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedByIndex(live []host.TabRecord) []host.TabRecord {
	recs := append([]host.TabRecord(nil), live...)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Index < recs[j].Index })
	return recs
}
