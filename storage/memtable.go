package storage

import "sort"

// memNode is a node of the memtable's multiway search tree. Each
// node owns its children; there are no back references.
type memNode[V any] struct {
	leaf     bool
	items    []Record[V]
	children []*memNode[V]
}

// search returns the index of the first item whose key is >= k,
// and whether that item's key equals k.
func (n *memNode[V]) search(k string) (int, bool) {
	i := sort.Search(len(n.items), func(i int) bool {
		return n.items[i].Key >= k
	})
	return i, i < len(n.items) && n.items[i].Key == k
}

// Memtable holds the most recent writes, sorted by key, in a
// multiway balanced search tree of minimum degree t.
//
// A node is split as soon as it holds 2t-1 keys, after the insert
// into it has returned, and its median is promoted into the
// parent. Deletes are tombstone upserts, so the tree never shrinks
// until it is drained.
type Memtable[V any] struct {
	degree  int
	root    *memNode[V]
	size    int
	resolve func(older, newer Record[V]) Record[V]
}

// NewMemtable returns an empty memtable of minimum degree t that
// resolves key collisions with the given policy.
func NewMemtable[V any](t int, p Policy[V]) *Memtable[V] {
	return &Memtable[V]{
		degree:  t,
		root:    &memNode[V]{leaf: true},
		resolve: p.Resolve,
	}
}

// Get returns the entry stored under k, which may be a tombstone.
func (m *Memtable[V]) Get(k string) (Record[V], bool) {
	n := m.root
	for {
		i, ok := n.search(k)
		if ok {
			return n.items[i], true
		}
		if n.leaf {
			return Record[V]{}, false
		}
		n = n.children[i]
	}
}

// Put upserts a value.
func (m *Memtable[V]) Put(k string, v V) {
	m.Insert(Record[V]{Key: k, Value: v})
}

// Del upserts a tombstone.
func (m *Memtable[V]) Del(k string) {
	m.Insert(Record[V]{Key: k, Tomb: true})
}

// Insert upserts r, resolving it against any existing entry.
func (m *Memtable[V]) Insert(r Record[V]) {
	if m.insert(m.root, r) {
		m.size++
	}

	// Grow the tree if the root filled up
	if len(m.root.items) == m.maxItems() {
		old := m.root
		m.root = &memNode[V]{children: []*memNode[V]{old}}
		m.splitChild(m.root, 0)
	}
}

// insert places r in the subtree rooted at n and reports whether
// a new key was added. Children that fill up are split on the way
// back up.
func (m *Memtable[V]) insert(n *memNode[V], r Record[V]) bool {
	i, ok := n.search(r.Key)
	if ok {
		n.items[i] = m.resolve(n.items[i], r)
		return false
	}

	if n.leaf {
		n.items = append(n.items, Record[V]{})
		copy(n.items[i+1:], n.items[i:])
		n.items[i] = r
		return true
	}

	added := m.insert(n.children[i], r)
	if len(n.children[i].items) == m.maxItems() {
		m.splitChild(n, i)
	}
	return added
}

// splitChild splits the full child x.children[i] around its median,
// which moves up into x at position i.
func (m *Memtable[V]) splitChild(x *memNode[V], i int) {
	t := m.degree
	y := x.children[i]
	z := &memNode[V]{leaf: y.leaf}

	mid := y.items[t-1]
	z.items = append(z.items, y.items[t:]...)
	y.items = y.items[:t-1:t-1]
	if !y.leaf {
		z.children = append(z.children, y.children[t:]...)
		y.children = y.children[:t:t]
	}

	x.items = append(x.items, Record[V]{})
	copy(x.items[i+1:], x.items[i:])
	x.items[i] = mid

	x.children = append(x.children, nil)
	copy(x.children[i+2:], x.children[i+1:])
	x.children[i+1] = z
}

func (m *Memtable[V]) maxItems() int {
	return 2*m.degree - 1
}

// RangeScan returns every entry with start <= key <= end in
// ascending order, tombstones included.
func (m *Memtable[V]) RangeScan(start, end string) []Record[V] {
	var out []Record[V]
	if start > end {
		return out
	}
	m.rangeScan(m.root, start, end, &out)
	return out
}

func (m *Memtable[V]) rangeScan(n *memNode[V], start, end string, out *[]Record[V]) {
	for i, it := range n.items {
		// The child left of it can only hold keys in range
		// if it sits above start
		if !n.leaf && it.Key > start {
			m.rangeScan(n.children[i], start, end, out)
		}
		if it.Key > end {
			return
		}
		if it.Key >= start {
			*out = append(*out, it)
		}
	}
	if !n.leaf && n.items[len(n.items)-1].Key < end {
		m.rangeScan(n.children[len(n.children)-1], start, end, out)
	}
}

// Entries returns every entry in ascending key order without
// modifying the memtable.
func (m *Memtable[V]) Entries() []Record[V] {
	out := make([]Record[V], 0, m.size)
	m.inOrder(m.root, &out)
	return out
}

func (m *Memtable[V]) inOrder(n *memNode[V], out *[]Record[V]) {
	for i, it := range n.items {
		if !n.leaf {
			m.inOrder(n.children[i], out)
		}
		*out = append(*out, it)
	}
	if !n.leaf {
		m.inOrder(n.children[len(n.children)-1], out)
	}
}

// Drain returns every entry in ascending key order and empties
// the memtable.
func (m *Memtable[V]) Drain() []Record[V] {
	out := m.Entries()
	m.Reset()
	return out
}

// Reset empties the memtable.
func (m *Memtable[V]) Reset() {
	m.root = &memNode[V]{leaf: true}
	m.size = 0
}

// Size returns the number of distinct keys, tombstones included.
func (m *Memtable[V]) Size() int {
	return m.size
}

// height returns the number of levels in the tree.
func (m *Memtable[V]) height() int {
	h := 1
	for n := m.root; !n.leaf; n = n.children[0] {
		h++
	}
	return h
}
