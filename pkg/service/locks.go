package service

import "sync"

// fileLocks serializes version-number assignment per file. Entries are kept
// for the life of the process; the map is bounded by the number of distinct
// files touched, which keeps deleted-then-recreated ids stable too.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for fileID and returns its unlock func.
func (fl *fileLocks) lock(fileID string) func() {
	fl.mu.Lock()
	m, ok := fl.locks[fileID]
	if !ok {
		m = &sync.Mutex{}
		fl.locks[fileID] = m
	}
	fl.mu.Unlock()

	m.Lock()
	return m.Unlock
}
