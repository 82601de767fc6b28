package chain

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tesseralabs/tessera/types"
)

// StorePosition tells storeTipset where a newly arriving tipset attaches:
// on top of an existing branch, at the bottom of an unloaded subgraph, both
// (a merge), or neither (a new standalone branch). A non-nil Rename asks
// for a branch split or rename to be persisted before the store is applied.
type StorePosition struct {
	AssignedBranch   types.BranchID
	AtBottomOfBranch types.BranchID
	OnTopOfBranch    types.BranchID
	Rename           *types.RenameBranch
}

// HeadChanges lists head tipsets that disappeared and appeared during one
// store operation. When both are non-empty, Added replaces Removed.
type HeadChanges struct {
	Removed []types.TipsetHash
	Added   []types.TipsetHash
}

// Branches is the in-memory index of all observed chain forks. It owns
// every BranchInfo it hands out; callers treat returned records as
// read-only. All mutations happen on the sync goroutine.
type Branches struct {
	all           map[types.BranchID]*types.BranchInfo
	heads         map[types.TipsetHash]*types.BranchInfo
	unloadedRoots map[types.TipsetHash]*types.BranchInfo
	genesis       *types.BranchInfo

	// currentChain maps each member branch's top height to the branch;
	// chainHeights keeps those heights sorted for height lookups.
	currentChain  map[types.Height]*types.BranchInfo
	chainHeights  []types.Height
	currentTop    types.BranchID
	currentHeight types.Height

	log *slog.Logger
}

// NewBranches creates an empty branch graph. A nil logger defaults to
// slog.Default().
func NewBranches(logger *slog.Logger) *Branches {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Branches{log: logger}
	b.Clear()
	return b
}

// Empty reports whether no branches are loaded.
func (b *Branches) Empty() bool {
	return len(b.all) == 0
}

// AllHeads returns the current head set keyed by top tipset hash. The map
// and its records are owned by the graph; callers must not modify them.
func (b *Branches) AllHeads() map[types.TipsetHash]*types.BranchInfo {
	return b.heads
}

// GetBranchAtHeight returns the branch on the current chain covering
// height h. With mustExist false, heights above the current head yield
// NoBranch instead of an error.
func (b *Branches) GetBranchAtHeight(h types.Height, mustExist bool) (types.BranchID, error) {
	if len(b.currentChain) == 0 {
		return types.NoBranch, ErrNoCurrentChain
	}
	if h > b.currentHeight {
		if mustExist {
			return types.NoBranch, ErrBranchNotFound
		}
		return types.NoBranch, nil
	}
	if h <= b.genesis.TopHeight {
		return types.GenesisBranch, nil
	}
	// Smallest member top height >= h covers h.
	i := sort.Search(len(b.chainHeights), func(i int) bool {
		return b.chainHeights[i] >= h
	})
	if i == len(b.chainHeights) {
		if mustExist {
			return types.NoBranch, ErrBranchNotFound
		}
		return types.NoBranch, nil
	}
	return b.currentChain[b.chainHeights[i]].ID, nil
}

// GetCommonRoot returns the deepest branch that is an ancestor of both a
// and b, walking parent pointers and always advancing the side with the
// greater bottom height.
func (b *Branches) GetCommonRoot(x, y types.BranchID) (*types.BranchInfo, error) {
	if x == types.NoBranch || y == types.NoBranch {
		return nil, ErrNoCommonRoot
	}
	X, err := b.GetBranch(x)
	if err != nil {
		return nil, err
	}
	Y, err := b.GetBranch(y)
	if err != nil {
		return nil, err
	}
	for x != y {
		if X.BottomHeight <= Y.BottomHeight {
			y = Y.Parent
			if y == types.NoBranch {
				return nil, ErrNoCommonRoot
			}
			if Y, err = b.GetBranch(y); err != nil {
				return nil, err
			}
		} else {
			x = X.Parent
			if x == types.NoBranch {
				return nil, ErrNoCommonRoot
			}
			if X, err = b.GetBranch(x); err != nil {
				return nil, err
			}
		}
	}
	return X, nil
}

// GetRoute returns the inclusive branch path from `from` down to `to` in
// root-to-leaf order, or ErrNoRoute if `from` is not an ancestor of `to`.
func (b *Branches) GetRoute(from, to types.BranchID) ([]types.BranchID, error) {
	if from == types.NoBranch || to == types.NoBranch {
		return nil, ErrNoRoute
	}
	if from == to {
		return []types.BranchID{from}, nil
	}
	var route []types.BranchID
	found := false
	for {
		route = append(route, to)
		info, err := b.GetBranch(to)
		if err != nil {
			return nil, err
		}
		to = info.Parent
		if to == from {
			found = true
			break
		}
		if to == types.NoBranch || to == types.GenesisBranch {
			break
		}
	}
	if !found {
		return nil, ErrNoRoute
	}
	route = append(route, from)
	for i, j := 0, len(route)-1; i < j; i, j = i+1, j-1 {
		route[i], route[j] = route[j], route[i]
	}
	return route, nil
}

// SetCurrentHead rebuilds the current chain to end at the given branch and
// height. NoBranch clears the chain.
func (b *Branches) SetCurrentHead(headBranch types.BranchID, height types.Height) error {
	if headBranch == types.NoBranch {
		b.clearCurrentChain()
		return nil
	}

	if b.currentTop == headBranch {
		if b.currentHeight != height {
			info := b.currentChain[b.chainHeights[len(b.chainHeights)-1]]
			if info.TopHeight < height || info.BottomHeight > height {
				return ErrHeightMismatch
			}
			b.currentHeight = height
		}
		return nil
	}

	info, ok := b.all[headBranch]
	if !ok {
		return ErrHeadNotFound
	}
	if !info.SyncedToGenesis {
		return ErrHeadNotSynced
	}
	if info.TopHeight < height || info.BottomHeight > height {
		return ErrHeightMismatch
	}

	b.currentHeight = height
	b.currentChain = make(map[types.Height]*types.BranchInfo)
	b.currentTop = headBranch
	b.currentChain[info.TopHeight] = info

	// Guard against cycles caused by storage corruption.
	cycleGuard := len(b.all) + 1
	parent := info.Parent
	for parent != types.NoBranch {
		cycleGuard--
		if cycleGuard == 0 {
			b.clearCurrentChain()
			return ErrCycleDetected
		}
		branch := b.all[parent]
		if branch == nil {
			b.clearCurrentChain()
			return ErrBranchNotFound
		}
		b.currentChain[branch.TopHeight] = branch
		parent = branch.Parent
	}

	b.rebuildChainHeights()
	return nil
}

func (b *Branches) rebuildChainHeights() {
	b.chainHeights = b.chainHeights[:0]
	for h := range b.currentChain {
		b.chainHeights = append(b.chainHeights, h)
	}
	sort.Slice(b.chainHeights, func(i, j int) bool {
		return b.chainHeights[i] < b.chainHeights[j]
	})
}

func (b *Branches) clearCurrentChain() {
	b.currentChain = make(map[types.Height]*types.BranchInfo)
	b.chainHeights = nil
	b.currentTop = types.NoBranch
	b.currentHeight = 0
}

// FindStorePosition computes where a newly arriving tipset attaches, given
// what is known about its parent.
func (b *Branches) FindStorePosition(tipset *types.Tipset, parentHash types.TipsetHash, parentBranch types.BranchID, parentHeight types.Height) (StorePosition, error) {
	var p StorePosition

	height := tipset.Height
	hash := tipset.Key.Hash()

	if height == 0 {
		// Inserting genesis.
		if !b.Empty() {
			return p, ErrStore
		}
		p.AssignedBranch = types.GenesisBranch
		return p, nil
	}

	if waiting, ok := b.unloadedRoots[hash]; ok {
		// The tipset links to the bottom of an unloaded subgraph.
		p.AtBottomOfBranch = waiting.ID
		p.AssignedBranch = waiting.ID
	}

	if parentBranch != types.NoBranch {
		if parentHeight >= height {
			return p, ErrHeightMismatch
		}
		info, err := b.GetBranch(parentBranch)
		if err != nil {
			return p, err
		}
		if parentHeight > info.TopHeight || parentHeight < info.BottomHeight {
			return p, ErrHeightMismatch
		}

		p.OnTopOfBranch = parentBranch

		if parentHeight != info.TopHeight {
			p.Rename = &types.RenameBranch{
				OldID:       parentBranch,
				NewID:       b.newBranchID(),
				AboveHeight: parentHeight,
				Split:       true,
			}
		} else if info.IsHead() {
			p.AssignedBranch = parentBranch
			if p.AtBottomOfBranch != types.NoBranch {
				p.Rename = &types.RenameBranch{
					OldID: p.AtBottomOfBranch,
					NewID: parentBranch,
				}
			}
		}
	}

	if p.AssignedBranch == types.NoBranch {
		p.AssignedBranch = b.newBranchID()
	}
	return p, nil
}

// SplitBranch partitions the branch rename.OldID at rename.AboveHeight:
// the old branch keeps the lower part with newTop as its top, and a new
// branch rename.NewID takes the upper part starting at newBottom. Existing
// child forks move to the new branch.
func (b *Branches) SplitBranch(newTop, newBottom types.TipsetHash, newBottomHeight types.Height, rename types.RenameBranch) {
	parent := b.getBranch(rename.OldID)
	if parent == nil {
		return
	}

	fork := parent.Clone()

	_, isHead := b.heads[parent.Top]
	if isHead {
		delete(b.heads, parent.Top)
	}
	inCurrentChain := false
	if len(b.currentChain) > 0 && parent.SyncedToGenesis {
		if member, ok := b.currentChain[parent.TopHeight]; ok && member == parent {
			delete(b.currentChain, parent.TopHeight)
			inCurrentChain = true
		}
	}

	fork.ID = rename.NewID
	fork.Bottom = newBottom
	fork.BottomHeight = newBottomHeight
	fork.Parent = parent.ID
	for id := range fork.Forks {
		if child := b.getBranch(id); child != nil {
			child.Parent = fork.ID
		}
	}
	b.all[fork.ID] = fork

	parent.Top = newTop
	parent.TopHeight = rename.AboveHeight
	parent.Forks = map[types.BranchID]struct{}{fork.ID: {}}

	if isHead {
		b.heads[fork.Top] = fork
	}
	if inCurrentChain {
		b.currentChain[parent.TopHeight] = parent
		b.currentChain[fork.TopHeight] = fork
	}
	b.rebuildChainHeights()
}

// StoreGenesis inserts the genesis tipset into an empty graph.
func (b *Branches) StoreGenesis(genesis *types.Tipset) error {
	if !b.Empty() {
		return ErrStore
	}
	pos := StorePosition{AssignedBranch: types.GenesisBranch}
	b.StoreTipset(genesis, types.TipsetHash{}, pos)
	return nil
}

// StoreTipset applies a tipset at the position computed by
// FindStorePosition (after any requested split has been applied) and
// returns the resulting head changes.
func (b *Branches) StoreTipset(tipset *types.Tipset, parentHash types.TipsetHash, pos StorePosition) HeadChanges {
	var changes HeadChanges

	height := tipset.Height
	hash := tipset.Key.Hash()

	if pos.AtBottomOfBranch == types.NoBranch && pos.OnTopOfBranch == types.NoBranch {
		// New standalone branch; the id was assigned by
		// FindStorePosition.
		b.newBranch(hash, height, parentHash, pos)
		if parentHash.IsZero() {
			// Genesis is synced by definition and becomes the first head.
			changes.Added = append(changes.Added, hash)
		}
		return changes
	}

	var linkedToBottom *types.BranchInfo

	if pos.AtBottomOfBranch != types.NoBranch {
		// Link to the bottom of the unloaded subgraph waiting for this
		// tipset.
		waiting := b.unloadedRoots[hash]
		if waiting != nil {
			waiting.BottomHeight = height
			waiting.Bottom = hash
			waiting.ParentHash = parentHash
			linkedToBottom = waiting
			delete(b.unloadedRoots, hash)
		}

		if pos.OnTopOfBranch == types.NoBranch {
			// Still unsynced below; re-register under the new parent.
			if linkedToBottom != nil {
				b.unloadedRoots[parentHash] = linkedToBottom
			}
			return changes
		}
	}

	if pos.AssignedBranch == pos.OnTopOfBranch {
		// Linking without a fork: the parent branch top is a head.
		parentBranch := b.heads[parentHash]
		if parentBranch == nil {
			return changes
		}
		delete(b.heads, parentHash)

		if linkedToBottom == nil {
			// Appending a tipset on top of a head.
			parentBranch.TopHeight = height
			parentBranch.Top = hash

			notify := parentBranch.SyncedToGenesis
			b.heads[hash] = parentBranch

			if notify {
				changes.Removed = append(changes.Removed, parentHash)
				changes.Added = append(changes.Added, hash)
			}
		} else {
			// Merging: the parent branch absorbs the subgraph. The old
			// announced head is replaced by whatever updateHeads finds
			// at the leaves.
			if parentBranch.SyncedToGenesis {
				changes.Removed = append(changes.Removed, parentHash)
			}
			b.mergeBranches(linkedToBottom, parentBranch, &changes)
		}
		return changes
	}

	// Forking off the top of a non-head branch.
	branch := b.getBranch(pos.OnTopOfBranch)
	if branch == nil {
		return changes
	}

	if linkedToBottom == nil {
		b.newBranch(hash, height, parentHash, pos)
		linkedToBottom = b.getBranch(pos.AssignedBranch)
		// The parent is present in the graph; the fresh branch is not an
		// unloaded root.
		delete(b.unloadedRoots, parentHash)
	}

	branch.Forks[pos.AssignedBranch] = struct{}{}
	linkedToBottom.Parent = branch.ID
	b.updateHeads(linkedToBottom, branch.SyncedToGenesis, &changes)
	return changes
}

func (b *Branches) newBranch(hash types.TipsetHash, height types.Height, parentHash types.TipsetHash, pos StorePosition) {
	info := types.NewBranchInfo()
	info.ID = pos.AssignedBranch
	info.Top = hash
	info.TopHeight = height
	info.Bottom = hash
	info.BottomHeight = height
	info.ParentHash = parentHash

	b.all[info.ID] = info
	b.heads[hash] = info

	if parentHash.IsZero() {
		// Genesis.
		info.SyncedToGenesis = true
		b.genesis = info
		return
	}
	b.unloadedRoots[parentHash] = info
}

// mergeBranches makes parentBranch absorb branch: the top, top height and
// forks move down, the absorbed id disappears, and the transferred forks
// are re-parented onto the absorbing branch.
func (b *Branches) mergeBranches(branch, parentBranch *types.BranchInfo, changes *HeadChanges) {
	parentBranch.TopHeight = branch.TopHeight
	parentBranch.Top = branch.Top
	parentBranch.Forks = branch.Forks
	for id := range parentBranch.Forks {
		if child := b.getBranch(id); child != nil {
			child.Parent = parentBranch.ID
		}
	}
	delete(b.all, branch.ID)
	b.updateHeads(parentBranch, parentBranch.SyncedToGenesis, changes)
}

// updateHeads propagates the synced flag down to the leaves of the fork
// subtree, registering leaf branches as heads and announcing newly synced
// head tips.
func (b *Branches) updateHeads(branch *types.BranchInfo, synced bool, changes *HeadChanges) {
	branch.SyncedToGenesis = synced
	if branch.IsHead() {
		b.heads[branch.Top] = branch
		if synced {
			changes.Added = append(changes.Added, branch.Top)
		}
		return
	}
	for _, id := range sortedForks(branch.Forks) {
		if fork := b.getBranch(id); fork != nil {
			b.updateHeads(fork, synced, changes)
		}
	}
}

func sortedForks(forks map[types.BranchID]struct{}) []types.BranchID {
	out := make([]types.BranchID, 0, len(forks))
	for id := range forks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetBranch returns the branch record for id. The record is owned by the
// graph and must be treated as read-only.
func (b *Branches) GetBranch(id types.BranchID) (*types.BranchInfo, error) {
	info, ok := b.all[id]
	if !ok {
		return nil, ErrBranchNotFound
	}
	return info, nil
}

// GetRootBranch follows parent pointers from id to the root of its
// subgraph.
func (b *Branches) GetRootBranch(id types.BranchID) (*types.BranchInfo, error) {
	for {
		info, err := b.GetBranch(id)
		if err != nil {
			return nil, err
		}
		if info.Parent == types.NoBranch {
			return info, nil
		}
		id = info.Parent
	}
}

func (b *Branches) getBranch(id types.BranchID) *types.BranchInfo {
	return b.all[id]
}

func (b *Branches) newBranchID() types.BranchID {
	next := types.GenesisBranch + 1
	for id := range b.all {
		if id+1 > next {
			next = id + 1
		}
	}
	return next
}

// Clear drops all state.
func (b *Branches) Clear() {
	b.all = make(map[types.BranchID]*types.BranchInfo)
	b.heads = make(map[types.TipsetHash]*types.BranchInfo)
	b.unloadedRoots = make(map[types.TipsetHash]*types.BranchInfo)
	b.genesis = nil
	b.clearCurrentChain()
}

// Init installs a branch graph loaded from the index db, validating each
// record, rebuilding fork sets from parent pointers and recomputing head
// and sync state. On any inconsistency all partial state is cleared.
func (b *Branches) Init(allBranches map[types.BranchID]*types.BranchInfo) (HeadChanges, error) {
	b.Clear()

	var heads HeadChanges
	if len(allBranches) == 0 {
		return heads, nil
	}

	b.all = allBranches
	for _, info := range b.all {
		if info != nil {
			info.Forks = make(map[types.BranchID]struct{})
		}
	}

	for id, info := range b.all {
		if info == nil {
			b.Clear()
			return heads, fmt.Errorf("%w: invalid branch info, id=%d", ErrLoad, id)
		}
		if id != info.ID || id == types.NoBranch {
			b.Clear()
			return heads, fmt.Errorf("%w: inconsistent branch id %d", ErrLoad, id)
		}
		if info.TopHeight < info.BottomHeight {
			b.Clear()
			return heads, fmt.Errorf("%w: heights inconsistent (%d and %d) for id %d",
				ErrLoad, info.TopHeight, info.BottomHeight, id)
		}
		if info.Parent != types.NoBranch {
			if info.Parent == info.ID {
				b.Clear()
				return heads, fmt.Errorf("%w: parent and branch id are the same (%d)", ErrLoad, id)
			}
			parent, ok := b.all[info.Parent]
			if !ok {
				b.Clear()
				return heads, fmt.Errorf("%w: parent %d not found for branch %d", ErrLoad, info.Parent, id)
			}
			if parent.TopHeight >= info.BottomHeight {
				b.Clear()
				return heads, fmt.Errorf("%w: parent height inconsistent (%d and %d) for id %d and parent %d",
					ErrLoad, info.BottomHeight, parent.TopHeight, id, info.Parent)
			}
			parent.Forks[id] = struct{}{}
		} else if info.ID == types.GenesisBranch {
			b.genesis = info
		} else {
			if info.ParentHash.IsZero() {
				b.Clear()
				return heads, fmt.Errorf("%w: branch id=%d", ErrParentExpected, id)
			}
			b.unloadedRoots[info.ParentHash] = info
		}
	}

	if b.genesis == nil {
		b.Clear()
		return heads, ErrNoGenesisBranch
	}

	b.updateHeads(b.genesis, true, &heads)

	// Unsynced heads are registered too.
	for _, info := range b.all {
		if info.IsHead() && !info.SyncedToGenesis {
			b.heads[info.Top] = info
		} else if len(info.Forks) == 1 {
			// Intermediate state between splitBranch and storeTipset;
			// should never have been stored.
			b.log.Warn("inconsistent fork count for branch, must be merged",
				"branch", info.ID)
		}
	}

	return heads, nil
}
