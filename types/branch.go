package types

// BranchInfo describes one branch: a maximal linear run of tipsets with no
// internal forks. Branches reference their parent by id, never by pointer,
// so the graph cannot form reference cycles.
type BranchInfo struct {
	ID           BranchID
	Top          TipsetHash
	TopHeight    Height
	Bottom       TipsetHash
	BottomHeight Height
	Parent       BranchID
	ParentHash   TipsetHash

	// SyncedToGenesis is set once the ancestor chain reaches genesis with
	// no gaps.
	SyncedToGenesis bool

	// Forks holds the ids of branches whose bottom attaches to this
	// branch's top.
	Forks map[BranchID]struct{}
}

// NewBranchInfo returns a branch with an allocated forks set.
func NewBranchInfo() *BranchInfo {
	return &BranchInfo{Forks: make(map[BranchID]struct{})}
}

// Clone returns a deep copy of the branch record.
func (b *BranchInfo) Clone() *BranchInfo {
	cp := *b
	cp.Forks = make(map[BranchID]struct{}, len(b.Forks))
	for id := range b.Forks {
		cp.Forks[id] = struct{}{}
	}
	return &cp
}

// IsHead reports whether the branch currently has no child forks.
func (b *BranchInfo) IsHead() bool { return len(b.Forks) == 0 }

// RenameBranch instructs the index db and the in-memory graph to move
// tipsets from one branch id to another. With Split set, only rows above
// AboveHeight move; otherwise the whole branch is renamed (merge).
type RenameBranch struct {
	OldID       BranchID
	NewID       BranchID
	AboveHeight Height
	Split       bool
}
