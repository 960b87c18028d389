package structure

import (
	"hash/fnv"
	"math"
	"sync"
)

// BloomFilter answers "definitely absent" for byte keys. False positives
// are bounded by the rate it was sized for.
type BloomFilter struct {
	bits  []uint64
	k     uint
	m     uint
	count uint
	lock  sync.RWMutex
}

// NewBloomFilter sizes a filter for n keys at false positive rate p.
func NewBloomFilter(n uint, p float64) *BloomFilter {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	// m = -(n * ln(p)) / (ln(2)^2)
	// k = (m / n) * ln(2)
	m := uint(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	k := uint(math.Ceil(float64(m) / float64(n) * math.Ln2))
	if k == 0 {
		k = 1
	}

	return &BloomFilter{
		bits: make([]uint64, (m+63)/64),
		k:    k,
		m:    m,
	}
}

func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := hashes(key)

	bf.lock.Lock()
	defer bf.lock.Unlock()
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(bf.m)
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.count++
}

// MayContain is false only for keys never added.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := hashes(key)

	bf.lock.RLock()
	defer bf.lock.RUnlock()
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % uint64(bf.m)
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) Count() uint {
	bf.lock.RLock()
	defer bf.lock.RUnlock()
	return bf.count
}

// hashes derives the two seeds of double hashing from one 64-bit FNV-1a.
func hashes(key []byte) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	return sum, (sum >> 33) | 1
}
