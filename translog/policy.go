package translog

import (
	"fmt"
	"sync"
)

// DeletionPolicy decides which translog generations may be discarded.
//
// The commit coordinator advances it on every commit: the generation
// referenced by the oldest safe commit bounds recovery, and the
// generation of the last commit bounds the uncommitted window. Open
// snapshots pin generations for as long as they iterate.
type DeletionPolicy struct {
	mu sync.Mutex

	minGenForRecovery int64
	genOfLastCommit   int64

	pinned map[*retentionLock]int64
}

type retentionLock struct{}

// NewDeletionPolicy returns a policy that retains everything until the
// first commit publishes its generations.
func NewDeletionPolicy() *DeletionPolicy {
	return &DeletionPolicy{
		minGenForRecovery: 1,
		genOfLastCommit:   1,
		pinned:            make(map[*retentionLock]int64),
	}
}

// SetCheckpoints publishes the generations recorded by a new commit.
// Both values only ever advance.
func (p *DeletionPolicy) SetCheckpoints(minGenForRecovery, genOfLastCommit int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if minGenForRecovery < p.minGenForRecovery {
		return fmt.Errorf("translog: min generation for recovery moved backwards (%d < %d)", minGenForRecovery, p.minGenForRecovery)
	}
	if genOfLastCommit < p.genOfLastCommit {
		return fmt.Errorf("translog: generation of last commit moved backwards (%d < %d)", genOfLastCommit, p.genOfLastCommit)
	}
	if minGenForRecovery > genOfLastCommit {
		return fmt.Errorf("translog: min generation for recovery %d above last commit generation %d", minGenForRecovery, genOfLastCommit)
	}
	p.minGenForRecovery = minGenForRecovery
	p.genOfLastCommit = genOfLastCommit
	return nil
}

// MinTranslogGenerationForRecovery returns the oldest generation any
// future recovery may need.
func (p *DeletionPolicy) MinTranslogGenerationForRecovery() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minGenForRecovery
}

// TranslogGenerationOfLastCommit returns the generation the most recent
// commit was taken at.
func (p *DeletionPolicy) TranslogGenerationOfLastCommit() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.genOfLastCommit
}

// acquireRetentionLock pins every generation >= gen until released.
func (p *DeletionPolicy) acquireRetentionLock(gen int64) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock := &retentionLock{}
	p.pinned[lock] = gen
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.pinned, lock)
	}
}

// minRetainedGeneration computes the oldest generation that must be
// kept, honoring recovery needs and open snapshots.
func (p *DeletionPolicy) minRetainedGeneration() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	min := p.minGenForRecovery
	for _, gen := range p.pinned {
		if gen < min {
			min = gen
		}
	}
	return min
}
