package index

import (
	"context"
	"sync"

	"github.com/tesseralabs/tessera/types"
)

// MemoryDb is an in-memory Db used by tests and diskless nodes.
type MemoryDb struct {
	mu        sync.RWMutex
	rows      map[types.TipsetHash]*TipsetInfo
	positions map[types.BranchID]map[types.Height]types.TipsetHash
}

var _ Db = (*MemoryDb)(nil)

func NewMemoryDb() *MemoryDb {
	return &MemoryDb{
		rows:      make(map[types.TipsetHash]*TipsetInfo),
		positions: make(map[types.BranchID]map[types.Height]types.TipsetHash),
	}
}

func (m *MemoryDb) Init(context.Context) (map[types.BranchID]*types.BranchInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return buildBranches(m.rows)
}

func (m *MemoryDb) Store(_ context.Context, info *TipsetInfo, rename *types.RenameBranch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rename != nil {
		m.renameLocked(rename)
	}

	hash := info.Key.Hash()
	cp := *info
	m.rows[hash] = &cp
	m.positionLocked(info.Branch)[info.Height] = hash
	return nil
}

func (m *MemoryDb) Rename(_ context.Context, rename *types.RenameBranch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renameLocked(rename)
	return nil
}

func (m *MemoryDb) renameLocked(rename *types.RenameBranch) {
	oldPos := m.positions[rename.OldID]
	newPos := m.positionLocked(rename.NewID)
	for height, hash := range oldPos {
		if height <= rename.AboveHeight {
			continue
		}
		m.rows[hash].Branch = rename.NewID
		newPos[height] = hash
		delete(oldPos, height)
	}
	if len(oldPos) == 0 {
		delete(m.positions, rename.OldID)
	}
}

func (m *MemoryDb) positionLocked(branch types.BranchID) map[types.Height]types.TipsetHash {
	pos, ok := m.positions[branch]
	if !ok {
		pos = make(map[types.Height]types.TipsetHash)
		m.positions[branch] = pos
	}
	return pos
}

func (m *MemoryDb) Contains(_ context.Context, hash types.TipsetHash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rows[hash]
	return ok, nil
}

func (m *MemoryDb) Get(_ context.Context, hash types.TipsetHash) (*TipsetInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.rows[hash]
	if !ok {
		return nil, ErrTipsetNotFound
	}
	cp := *info
	return &cp, nil
}

func (m *MemoryDb) GetByPosition(_ context.Context, branch types.BranchID, height types.Height) (*TipsetInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hash, ok := m.positions[branch][height]
	if !ok {
		return nil, ErrTipsetNotFound
	}
	cp := *m.rows[hash]
	return &cp, nil
}

func (m *MemoryDb) WalkForward(_ context.Context, branch types.BranchID, fromHeight, toHeight types.Height, limit uint64, cb WalkCallback) error {
	if toHeight < fromHeight || limit == 0 {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos := m.positions[branch]
	var visited uint64
	for height := fromHeight; height <= toHeight && visited < limit; height++ {
		hash, ok := pos[height]
		if !ok {
			continue
		}
		cp := *m.rows[hash]
		cb(&cp)
		visited++
	}
	return nil
}

func (m *MemoryDb) WalkBackward(_ context.Context, from types.TipsetHash, toHeight types.Height, cb WalkCallback) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.rows[from]
	if !ok {
		return ErrTipsetNotFound
	}
	for {
		next, ok := m.rows[info.ParentHash]
		if !ok {
			return ErrTipsetNotFound
		}
		info = next
		if info.Height <= toHeight {
			return nil
		}
		cp := *info
		cb(&cp)
	}
}
