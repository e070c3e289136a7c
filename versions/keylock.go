package versions

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 1024

// KeyLock serializes access per document id via lock striping. Two
// distinct ids may map to the same stripe; that only costs concurrency,
// never correctness.
type KeyLock struct {
	stripes [lockStripes]sync.Mutex
}

func stripeFor(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % lockStripes
}

// Acquire locks the stripe for id and returns the release func.
func (kl *KeyLock) Acquire(id string) func() {
	m := &kl.stripes[stripeFor(id)]
	m.Lock()
	return m.Unlock
}
