package peekcursor

import (
	"github.com/tidwall/btree"

	"github.com/chn0318/tlog/mutation"
)

// cursorContainer holds the leaf cursors that are ready at the merge
// cursor's current version. The two disciplines share this narrow surface;
// the merge control flow is otherwise identical.
//
// A cursor's (version, subsequence) key must not change while it sits in an
// ordered container: callers pop before advancing and re-push after.
type cursorContainer interface {
	push(c *StorageTeamCursor)
	pop()
	front() *StorageTeamCursor
	erase(team mutation.StorageTeamID)
	len() int
	empty() bool
	clone() cursorContainer
}

// orderedContainer keeps cursors sorted by their current VSM so front()
// always returns the globally smallest message across teams.
type orderedContainer struct {
	tr *btree.BTreeG[*StorageTeamCursor]
}

func newOrderedContainer() *orderedContainer {
	return &orderedContainer{
		tr: btree.NewBTreeG(func(a, b *StorageTeamCursor) bool {
			return a.compare(b) < 0
		}),
	}
}

func (o *orderedContainer) push(c *StorageTeamCursor) { o.tr.Set(c) }

func (o *orderedContainer) pop() {
	if _, ok := o.tr.PopMin(); !ok {
		panic("pop on empty ordered container")
	}
}

func (o *orderedContainer) front() *StorageTeamCursor {
	c, ok := o.tr.Min()
	if !ok {
		panic("front on empty ordered container")
	}
	return c
}

func (o *orderedContainer) erase(team mutation.StorageTeamID) {
	var victims []*StorageTeamCursor
	o.tr.Scan(func(c *StorageTeamCursor) bool {
		if c.StorageTeamID() == team {
			victims = append(victims, c)
		}
		return true
	})
	for _, c := range victims {
		o.tr.Delete(c)
	}
}

func (o *orderedContainer) len() int { return o.tr.Len() }
func (o *orderedContainer) empty() bool { return o.tr.Len() == 0 }

// clone is cheap: the tree is copy-on-write and holds one pointer per leaf.
func (o *orderedContainer) clone() cursorContainer {
	return &orderedContainer{tr: o.tr.Copy()}
}

// unorderedContainer is a FIFO: the front cursor is fully drained for the
// current version before the next one is visited.
type unorderedContainer struct {
	q []*StorageTeamCursor
}

func newUnorderedContainer() *unorderedContainer { return &unorderedContainer{} }

func (u *unorderedContainer) push(c *StorageTeamCursor) { u.q = append(u.q, c) }

func (u *unorderedContainer) pop() {
	if len(u.q) == 0 {
		panic("pop on empty unordered container")
	}
	u.q = u.q[1:]
}

func (u *unorderedContainer) front() *StorageTeamCursor {
	if len(u.q) == 0 {
		panic("front on empty unordered container")
	}
	return u.q[0]
}

func (u *unorderedContainer) erase(team mutation.StorageTeamID) {
	kept := u.q[:0:0]
	for _, c := range u.q {
		if c.StorageTeamID() != team {
			kept = append(kept, c)
		}
	}
	u.q = kept
}

func (u *unorderedContainer) len() int { return len(u.q) }
func (u *unorderedContainer) empty() bool { return len(u.q) == 0 }

func (u *unorderedContainer) clone() cursorContainer {
	q := make([]*StorageTeamCursor, len(u.q))
	copy(q, u.q)
	return &unorderedContainer{q: q}
}
