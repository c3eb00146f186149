package memory

import (
	"bytes"

	"github.com/google/btree"

	"github.com/eigerco/rangekv/pkg/bytecmp"
)

// cursor re-seeks the tree from its current key on every step, so it stays
// correct while its own transaction keeps writing.
type cursor struct {
	tree  *btree.BTreeG[item]
	lower []byte
	upper []byte

	cur    item
	valid  bool
	closed bool
}

func (c *cursor) First() bool {
	if c.lower == nil {
		it, ok := c.tree.Min()
		return c.land(it, ok)
	}
	return c.ascendFrom(c.lower, false)
}

func (c *cursor) Last() bool {
	if c.upper == nil {
		it, ok := c.tree.Max()
		return c.land(it, ok)
	}
	return c.descendFrom(c.upper, true)
}

func (c *cursor) Seek(key []byte) bool {
	if c.lower != nil && bytecmp.Less(key, c.lower) {
		key = c.lower
	}
	return c.ascendFrom(key, false)
}

func (c *cursor) Next() bool {
	if !c.valid {
		return false
	}
	return c.ascendFrom(c.cur.key, true)
}

func (c *cursor) Prev() bool {
	if !c.valid {
		return false
	}
	return c.descendFrom(c.cur.key, true)
}

func (c *cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	return c.cur.key
}

func (c *cursor) Value() []byte {
	if !c.valid {
		return nil
	}
	return c.cur.value
}

func (c *cursor) Error() error { return nil }

func (c *cursor) Close() error {
	c.closed = true
	c.valid = false
	return nil
}

// ascendFrom lands on the first key >= pivot, or > pivot when exclusive.
func (c *cursor) ascendFrom(pivot []byte, exclusive bool) bool {
	var (
		found item
		ok    bool
	)
	if !c.closed {
		c.tree.AscendGreaterOrEqual(item{key: pivot}, func(it item) bool {
			if exclusive && bytes.Equal(it.key, pivot) {
				return true
			}
			found, ok = it, true
			return false
		})
	}
	return c.land(found, ok)
}

// descendFrom lands on the last key <= pivot, or < pivot when exclusive.
func (c *cursor) descendFrom(pivot []byte, exclusive bool) bool {
	var (
		found item
		ok    bool
	)
	if !c.closed {
		c.tree.DescendLessOrEqual(item{key: pivot}, func(it item) bool {
			if exclusive && bytes.Equal(it.key, pivot) {
				return true
			}
			found, ok = it, true
			return false
		})
	}
	return c.land(found, ok)
}

func (c *cursor) land(it item, ok bool) bool {
	if c.closed || !ok ||
		(c.lower != nil && bytecmp.Less(it.key, c.lower)) ||
		(c.upper != nil && !bytecmp.Less(it.key, c.upper)) {
		c.valid = false
		return false
	}
	c.cur, c.valid = it, true
	return true
}
