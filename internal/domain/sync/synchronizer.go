// Package sync folds host tab events into the tree so the engine's state
// tracks the live window.
package sync

import (
	"sort"

	"go.uber.org/zap"

	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/infrastructure/logging"
	"github.com/arbortabs/arbor/internal/shared/id"
)

// ChildDisposition controls what happens to a removed node's children.
type ChildDisposition string

const (
	// DispositionPromote moves children into the removed node's slot.
	DispositionPromote ChildDisposition = "promote"
	// DispositionRoot detaches children to the end of the view roots.
	DispositionRoot ChildDisposition = "root"
)

// Synchronizer applies one window's host events to its tree. It is owned by
// the engine loop and is not safe for concurrent use.
//
// Host events are facts, never requests: the tab already exists, already
// closed, already moved. The synchronizer only decides where the fact lands
// in the tree, degrading to root placement when the preferred spot would
// violate a tree rule.
type Synchronizer struct {
	log          *logging.Logger
	disposition  ChildDisposition
	infos        *host.InfoCache
	scheduleSave func()

	// claims pairs a pending duplicate node with the created event the host
	// will emit for it, keyed by the original tab id (the opener).
	claims map[int]id.NodeID

	activeTab int
}

// New creates a synchronizer. scheduleSave is invoked after every mutation;
// nil disables persistence scheduling.
func New(log *logging.Logger, disposition ChildDisposition, infos *host.InfoCache, scheduleSave func()) *Synchronizer {
	if log == nil {
		log = logging.NewNop()
	}
	if disposition == "" {
		disposition = DispositionPromote
	}
	if scheduleSave == nil {
		scheduleSave = func() {}
	}
	if infos == nil {
		infos = host.NewInfoCache()
	}
	return &Synchronizer{
		log:          log,
		disposition:  disposition,
		infos:        infos,
		scheduleSave: scheduleSave,
		claims:       make(map[int]id.NodeID),
	}
}

// ExpectDuplicate registers a node that should absorb the next created event
// whose opener is origTabID, instead of minting a fresh node.
func (s *Synchronizer) ExpectDuplicate(origTabID int, nodeID id.NodeID) {
	s.claims[origTabID] = nodeID
}

// ActiveTab returns the window's last activated tab id, or zero.
func (s *Synchronizer) ActiveTab() int { return s.activeTab }

// Apply folds one host event into the tree.
func (s *Synchronizer) Apply(t *tree.Tree, ev host.Event) {
	switch ev.Type {
	case host.EventCreated, host.EventAttached:
		s.applyCreated(t, ev)
	case host.EventRemoved, host.EventDetached:
		s.applyRemoved(t, ev)
	case host.EventUpdated:
		s.applyUpdated(t, ev)
	case host.EventMoved:
		s.applyMoved(t, ev)
	case host.EventActivated:
		s.applyActivated(t, ev)
	default:
		s.log.Debug("ignoring host event", zap.String("type", string(ev.Type)))
	}
}

func (s *Synchronizer) applyCreated(t *tree.Tree, ev host.Event) {
	rec := ev.Tab
	if rec == nil {
		// Attached events carry only the tab id; fill in what the cache
		// remembers from the tab's previous window.
		rec = &host.TabRecord{ID: ev.TabID, WindowID: ev.WindowID, Index: ev.Index}
		if info, ok := s.infos.Get(ev.TabID); ok {
			rec.URL = info.URL
			rec.Title = info.Title
			rec.FavIconURL = info.FavIconURL
			rec.Pinned = info.Pinned
		}
	}
	s.infos.Update(*rec)

	// A created tab lands in the active view; a tab attached from another
	// window re-homes into this window's default view. An opener tracked in
	// this window overrides either.
	homeView := t.ActiveViewID()
	if ev.Type == host.EventAttached {
		homeView = t.DefaultViewID()
	}

	if rec.Pinned {
		if err := t.Pin(rec.ID, homeView); err != nil {
			s.log.Warn("pin on create failed", zap.Int("tab_id", rec.ID), zap.Error(err))
		}
		s.scheduleSave()
		return
	}

	// A pending duplicate claims the created event before any node is made.
	if rec.OpenerID != 0 {
		if nodeID, ok := s.claims[rec.OpenerID]; ok {
			delete(s.claims, rec.OpenerID)
			if n, found := t.Node(nodeID); found {
				if err := t.RebindTab(nodeID, rec.ID); err != nil {
					s.log.Warn("duplicate claim rebind failed", zap.Error(err))
				} else {
					n.URL = rec.URL
					n.Title = rec.Title
					n.FavIconURL = rec.FavIconURL
					s.scheduleSave()
					return
				}
			}
		}
	}

	if _, exists := t.NodeByTab(rec.ID); exists {
		return // already tracked, e.g. replayed during reconcile
	}

	viewID := homeView
	var opener *tree.Node
	if rec.OpenerID != 0 {
		if o, ok := t.NodeByTab(rec.OpenerID); ok {
			opener = o
			viewID = o.ViewID
		}
	}

	n, err := t.CreateTabNode(rec.ID, viewID)
	if err != nil {
		s.log.Error("create node failed", zap.Int("tab_id", rec.ID), zap.Error(err))
		return
	}
	n.URL = rec.URL
	n.Title = rec.Title
	n.FavIconURL = rec.FavIconURL

	// A tab opened from another lands as that node's last child. Any
	// failure leaves the node at root rather than dropping the tab.
	if opener != nil {
		if err := t.Attach(n.ID, opener.ID, -1); err != nil {
			s.log.Warn("opener placement degraded to root",
				zap.Int("tab_id", rec.ID),
				zap.Error(err),
			)
		}
	}
	s.scheduleSave()
}

func (s *Synchronizer) applyRemoved(t *tree.Tree, ev host.Event) {
	s.infos.Forget(ev.TabID)

	n, ok := t.NodeByTab(ev.TabID)
	if !ok {
		// Pinned tabs have no node; membership lives on the view.
		t.Unpin(ev.TabID)
		s.scheduleSave()
		return
	}
	s.removeNode(t, n)
	s.scheduleSave()
}

// removeNode disposes of children per policy, then removes the node.
func (s *Synchronizer) removeNode(t *tree.Tree, n *tree.Node) {
	children := append([]id.NodeID(nil), n.Children...)
	parentID := n.ParentID
	slot := siblingIndex(t, n)

	switch s.disposition {
	case DispositionRoot:
		for _, childID := range children {
			if err := t.Attach(childID, "", -1); err != nil {
				s.log.Warn("child demotion failed", zap.Error(err))
			}
		}
	default: // promote
		for i, childID := range children {
			if err := t.Attach(childID, parentID, slot+i); err != nil {
				// Fall back per child; the rest still promote.
				if err := t.Attach(childID, "", -1); err != nil {
					s.log.Warn("child promotion failed", zap.Error(err))
				}
			}
		}
	}

	if err := t.RemoveNode(n.ID); err != nil {
		s.log.Error("remove node failed", zap.String("node_id", string(n.ID)), zap.Error(err))
	}
}

func (s *Synchronizer) applyUpdated(t *tree.Tree, ev host.Event) {
	rec := ev.Tab
	if rec == nil {
		return
	}
	s.infos.Update(*rec)

	n, tracked := t.NodeByTab(rec.ID)

	// Pin transitions move the tab between the hierarchy and the view's
	// pinned strip; a pinned tab never has a node.
	if rec.Pinned && tracked {
		viewID := n.ViewID
		s.removeNode(t, n)
		if err := t.Pin(rec.ID, viewID); err != nil {
			s.log.Warn("pin transition failed", zap.Int("tab_id", rec.ID), zap.Error(err))
		}
		s.scheduleSave()
		return
	}
	if !rec.Pinned && !tracked && pinnedIn(t, rec.ID) != "" {
		viewID := pinnedIn(t, rec.ID)
		t.Unpin(rec.ID)
		fresh, err := t.CreateTabNode(rec.ID, viewID)
		if err != nil {
			s.log.Error("unpin transition failed", zap.Int("tab_id", rec.ID), zap.Error(err))
			return
		}
		fresh.URL = rec.URL
		fresh.Title = rec.Title
		fresh.FavIconURL = rec.FavIconURL
		s.scheduleSave()
		return
	}

	if tracked {
		n.URL = rec.URL
		n.Title = rec.Title
		n.FavIconURL = rec.FavIconURL
		s.scheduleSave()
	}
}

// applyMoved re-sorts the moved node among its current siblings by host tab
// index. Tree structure is authoritative, so a strip move never changes the
// node's parent, only its sibling position.
func (s *Synchronizer) applyMoved(t *tree.Tree, ev host.Event) {
	if info, ok := s.infos.Get(ev.TabID); ok {
		info.Index = ev.Index
		s.infos.Put(ev.TabID, info)
	}

	n, ok := t.NodeByTab(ev.TabID)
	if !ok {
		return
	}

	siblings := siblingList(t, n)
	type slot struct {
		nodeID id.NodeID
		index  int
	}
	slots := make([]slot, 0, len(siblings))
	for _, sid := range siblings {
		sn, ok := t.Node(sid)
		if !ok || sn.Kind != tree.KindTab {
			continue
		}
		idx := 1 << 30
		if info, ok := s.infos.Get(sn.TabID); ok {
			idx = info.Index
		}
		if sn.TabID == ev.TabID {
			idx = ev.Index
		}
		slots = append(slots, slot{sn.ID, idx})
	}
	// Sibling indexes other than the moved tab's are stale until their own
	// moved events arrive, so the moved tab wins index ties.
	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].index != slots[j].index {
			return slots[i].index < slots[j].index
		}
		return slots[i].nodeID == n.ID && slots[j].nodeID != n.ID
	})

	target := -1
	for i, sl := range slots {
		if sl.nodeID == n.ID {
			target = i
			break
		}
	}
	if target < 0 {
		return
	}
	if err := t.Attach(n.ID, n.ParentID, target); err != nil {
		s.log.Debug("sibling reorder skipped", zap.Error(err))
		return
	}
	s.scheduleSave()
}

// applyActivated tracks the focused tab and, when it lives in another view,
// switches the active view so the rendered tree follows focus.
func (s *Synchronizer) applyActivated(t *tree.Tree, ev host.Event) {
	s.activeTab = ev.TabID
	n, ok := t.NodeByTab(ev.TabID)
	if !ok {
		return
	}
	if n.ViewID != t.ActiveViewID() {
		if err := t.SetActiveView(n.ViewID); err != nil {
			s.log.Warn("view follow failed", zap.Error(err))
		}
	}
}

func pinnedIn(t *tree.Tree, tabID int) id.ViewID {
	for _, v := range t.Views() {
		if v.PinnedIndex(tabID) >= 0 {
			return v.ID
		}
	}
	return ""
}

func siblingList(t *tree.Tree, n *tree.Node) []id.NodeID {
	if n.ParentID != "" {
		if p, ok := t.Node(n.ParentID); ok {
			return p.Children
		}
		return nil
	}
	if v, ok := t.View(n.ViewID); ok {
		return v.RootNodeIDs
	}
	return nil
}

func siblingIndex(t *tree.Tree, n *tree.Node) int {
	for i, sid := range siblingList(t, n) {
		if sid == n.ID {
			return i
		}
	}
	return -1
}
