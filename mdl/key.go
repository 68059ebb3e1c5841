package mdl

import "strings"

// Key identifies a lockable object: a namespace plus a (db, name) pair.
// Scoped namespaces (GLOBAL, COMMIT) leave both db and name empty; the
// TABLESPACE and SCHEMA namespaces use only db; everything else uses
// both. Key is an immutable value and is safe to copy and use as a map
// key or sync.Map key.
type Key struct {
	namespace Namespace
	db        string
	name      string
}

// NewKey builds a Key for the given namespace and (db, name) pair.
func NewKey(ns Namespace, db, name string) Key {
	return Key{namespace: ns, db: db, name: name}
}

// GlobalKey is the single well-known key for the GLOBAL namespace.
func GlobalKey() Key { return Key{namespace: Global} }

// CommitKey is the single well-known key for the COMMIT namespace.
func CommitKey() Key { return Key{namespace: Commit} }

func (k Key) Namespace() Namespace { return k.namespace }
func (k Key) Database() string     { return k.db }
func (k Key) Name() string         { return k.name }

// serialized returns the byte string namespace-tag-then-db-then-name,
// NUL-joined, used both for Compare and for Hash. The namespace
// tag sorting before any db/name byte is what keeps Key.Compare
// producing the same total order as the upstream namespace enum.
func (k Key) serialized() string {
	var b strings.Builder
	b.WriteByte(byte(k.namespace))
	b.WriteByte(0)
	b.WriteString(k.db)
	b.WriteByte(0)
	b.WriteString(k.name)
	return b.String()
}

// Compare returns -1, 0, or 1 comparing k to other in the fixed total
// order namespaces are sorted in (GLOBAL first, then the rest in their
// declaration order); acquire_locks relies on this ordering to acquire a
// multi-object request's locks in a fixed order and avoid self-deadlock.
func (k Key) Compare(other Key) int {
	return strings.Compare(k.serialized(), other.serialized())
}

func (k Key) Equal(other Key) bool {
	return k.namespace == other.namespace && k.db == other.db && k.name == other.name
}

func (k Key) String() string {
	if k.db == "" && k.name == "" {
		return k.namespace.String()
	}
	if k.name == "" {
		return k.namespace.String() + ":" + k.db
	}
	return k.namespace.String() + ":" + k.db + "." + k.name
}

// Hash returns a Murmur3-32 (seed 0) hash of the key's serialized form.
// Murmur3 isn't used anywhere else in the codebase; it's hand-rolled
// here rather than borrowed from a dependency because no library in
// the retrieved corpus implements it (the rest of the system reaches
// for hash/crc32 for its checksums, which is a different algorithm
// family entirely and would not satisfy this key's distribution needs
// as well across the short (namespace, db, name) strings Key produces).
func (k Key) Hash() uint32 {
	return murmur3Hash32([]byte(k.serialized()), 0)
}

const (
	murmur3C1 uint32 = 0xcc9e2d51
	murmur3C2 uint32 = 0x1b873593
)

func murmur3Hash32(data []byte, seed uint32) uint32 {
	h := seed
	n := len(data)
	nblocks := n / 4

	for i := 0; i < nblocks; i++ {
		k := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		k *= murmur3C1
		k = (k << 15) | (k >> 17)
		k *= murmur3C2

		h ^= k
		h = (h << 13) | (h >> 19)
		h = h*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= murmur3C1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= murmur3C2
		h ^= k1
	}

	h ^= uint32(n)
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16

	return h
}
