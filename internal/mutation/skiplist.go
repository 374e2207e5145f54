package mutation

// skipListNode is a node in the skip list.
type skipListNode struct {
	mut     Mutation
	forward []*skipListNode
}

// skipList is an ordered index over mutations providing O(log n) insert
// and seek. Ordering is key ascending, then sequence number descending,
// and every inserted version is retained; nothing is overwritten in
// place. The list carries no lock of its own, callers synchronize.
type skipList struct {
	head     *skipListNode
	level    int
	count    int64
	rng      uint64 // xorshift PRNG state for level generation
}

const maxSkipListLevel = 16

func newSkipList() *skipList {
	return &skipList{
		head: &skipListNode{
			forward: make([]*skipListNode, maxSkipListLevel),
		},
		rng: 1,
	}
}

func (s *skipList) nextRand() uint64 {
	s.rng ^= s.rng << 13
	s.rng ^= s.rng >> 7
	s.rng ^= s.rng << 17
	return s.rng
}

// randomLevel draws a geometrically distributed level (p = 1/4).
func (s *skipList) randomLevel() int {
	level := 0
	for level < maxSkipListLevel-1 && (s.nextRand()&0xFFFF) < uint64(0xFFFF/4) {
		level++
	}
	return level
}

// insert adds a mutation at its sorted position and reports whether a
// new entry was created. Distinct sequence numbers for the same key
// coexist as separate entries; inserting the exact same (key, seqno)
// pair again replaces that entry's payload.
func (s *skipList) insert(m Mutation) bool {
	update := make([]*skipListNode, maxSkipListLevel)
	current := s.head

	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil &&
			compare(current.forward[i].mut.Key, current.forward[i].mut.Seqno, m.Key, m.Seqno) < 0 {
			current = current.forward[i]
		}
		update[i] = current
	}

	next := current.forward[0]
	if next != nil && compare(next.mut.Key, next.mut.Seqno, m.Key, m.Seqno) == 0 {
		next.mut = m
		return false
	}

	level := s.randomLevel()
	if level > s.level {
		for i := s.level + 1; i <= level; i++ {
			update[i] = s.head
		}
		s.level = level
	}

	node := &skipListNode{
		mut:     m,
		forward: make([]*skipListNode, level+1),
	}
	for i := 0; i <= level; i++ {
		node.forward[i] = update[i].forward[i]
		update[i].forward[i] = node
	}
	s.count++
	return true
}

// seek returns the first node at or after (key, maxSeq) in sort order,
// which for an exact key match is the newest version with
// seqno <= maxSeq.
func (s *skipList) seek(key []byte, maxSeq uint64) *skipListNode {
	current := s.head
	for i := s.level; i >= 0; i-- {
		for current.forward[i] != nil &&
			compare(current.forward[i].mut.Key, current.forward[i].mut.Seqno, key, maxSeq) < 0 {
			current = current.forward[i]
		}
	}
	return current.forward[0]
}

// first returns the head of the bottom lane.
func (s *skipList) first() *skipListNode {
	return s.head.forward[0]
}
