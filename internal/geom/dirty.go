package geom

// DirtyList is an ordered, non-splitting collection of dirty rectangles.
// Absorb never re-canonicalizes existing elements against each other; it
// only ever compares the incoming rect against what's already in the
// list, in order, and stops at the first match. This mirrors
// push_to_dirty_rect_list in the original eink-vnc client: a property
// test can assert no element contains another after any sequence of
// Absorb calls, but the list is not guaranteed minimal.
type DirtyList struct {
	rects []Rect
}

// Rects returns the current contents, in insertion order. The returned
// slice is owned by the caller and safe to range over while mutating the
// list afterward.
func (d *DirtyList) Rects() []Rect {
	out := make([]Rect, len(d.rects))
	copy(out, d.rects)
	return out
}

// Len reports the number of rectangles currently held.
func (d *DirtyList) Len() int { return len(d.rects) }

// Clear empties the list.
func (d *DirtyList) Clear() { d.rects = d.rects[:0] }

// Absorb merges rect into the list per spec: if an existing rect already
// contains it, rect is dropped; if rect contains an existing rect, that
// entry is replaced; if rect extends (is axis-aligned adjacent/overlapping
// with) an existing rect, the two are unioned in place. Otherwise rect is
// appended. No element is ever split, and the list is not re-scanned for
// follow-on merges once one absorption has happened.
func (d *DirtyList) Absorb(rect Rect) {
	for i, existing := range d.rects {
		if existing.Contains(rect) {
			return
		}
		if rect.Contains(existing) {
			d.rects[i] = rect
			return
		}
		if rect.extends(existing) {
			d.rects[i] = existing.union(rect)
			return
		}
	}
	d.rects = append(d.rects, rect)
}
