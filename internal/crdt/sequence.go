package crdt

import (
	"errors"
	"strings"
)

// ErrStaleDelta is returned by Delta when the requested marker predates the
// retained history; the caller must fall back to a full snapshot.
var ErrStaleDelta = errors.New("version marker predates retained history")

type element struct {
	id          ID
	parent      ID
	content     string
	attrs       map[string]string
	tombstone   bool
	deletedBy   ID
	formattedBy ID
	children    []ID // kept in sibling order (ID.before)
}

// Element is the exported view of one visible piece of content.
type Element struct {
	ID      ID                `json:"id"`
	Content string            `json:"content"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Sequence is a replicated ordered sequence of text elements. Every insert
// is anchored after an existing element, siblings under one anchor are kept
// in a deterministic order over their IDs, and deletes leave tombstones, so
// applying any set of operations in any order (with duplicates) converges to
// the same visible content.
//
// A Sequence is not safe for concurrent use; the room worker serializes all
// access to it.
type Sequence struct {
	elems      map[ID]*element
	head       []ID
	seen       map[ID]struct{}
	pending    map[ID][]Op // ops waiting for the referenced element to arrive
	marker     Marker
	floor      Marker // everything at or below this has been compacted away
	clock      uint64 // highest counter observed from any client
	order      []ID
	orderDirty bool
}

func NewSequence() *Sequence {
	return &Sequence{
		elems:   make(map[ID]*element),
		seen:    make(map[ID]struct{}),
		pending: make(map[ID][]Op),
		marker:  NewMarker(),
		floor:   NewMarker(),
	}
}

// NewFromOps rebuilds a sequence from a compacted snapshot: the exported ops
// plus the compaction floor that was in effect when they were exported.
func NewFromOps(ops []Op, floor Marker) (*Sequence, error) {
	s := NewSequence()
	for _, op := range ops {
		if _, err := s.Apply(op); err != nil {
			return nil, err
		}
	}
	// The floor goes in after replay: exported ops are the retained live
	// history and must not be dropped by the compaction check.
	if floor != nil {
		s.floor = floor.Clone()
		s.marker.Merge(floor)
		for _, counter := range floor {
			if counter > s.clock {
				s.clock = counter
			}
		}
	}
	return s, nil
}

// Marker returns a copy of the version marker summarizing every op this
// sequence has absorbed.
func (s *Sequence) Marker() Marker {
	return s.marker.Clone()
}

// Floor returns a copy of the compaction floor.
func (s *Sequence) Floor() Marker {
	return s.floor.Clone()
}

// Apply absorbs one operation and returns it in the form it took effect.
// Normally that is the input unchanged; an insert whose anchor was compacted
// away comes back re-anchored at the head, and relaying that rewritten form
// keeps replicas that still retain the anchor in agreement. Duplicates are
// silently ignored; operations referencing elements that have not arrived yet
// are buffered and applied once the reference resolves. Apply is commutative
// with itself across independent operations.
func (s *Sequence) Apply(op Op) (Op, error) {
	if err := op.Validate(); err != nil {
		return op, err
	}
	if _, dup := s.seen[op.ID]; dup {
		return op, nil
	}
	if s.floor.Covers(op.ID) {
		// Already compacted away at this replica.
		return op, nil
	}
	s.seen[op.ID] = struct{}{}
	s.marker.Observe(op.ID)
	if op.ID.Counter > s.clock {
		s.clock = op.ID.Counter
	}
	return s.dispatch(op), nil
}

func (s *Sequence) dispatch(op Op) Op {
	switch op.Type {
	case OpInsert:
		return s.applyInsert(op)
	case OpDelete:
		s.applyDelete(op)
	case OpFormat:
		s.applyFormat(op)
	}
	return op
}

func (s *Sequence) applyInsert(op Op) Op {
	if !op.After.IsZero() {
		if _, ok := s.elems[op.After]; !ok {
			if s.floor.Covers(op.After) {
				// The anchor was purged during compaction. Its position is
				// gone for good, so anchor at the head instead.
				op.After = Head
			} else {
				s.pending[op.After] = append(s.pending[op.After], op)
				return op
			}
		}
	}
	el := &element{
		id:          op.ID,
		parent:      op.After,
		content:     op.Content,
		attrs:       cloneAttrs(op.Attrs),
		formattedBy: op.ID,
	}
	s.elems[op.ID] = el
	s.attach(op.After, op.ID)
	s.orderDirty = true
	s.resolve(op.ID)
	return op
}

func (s *Sequence) applyDelete(op Op) {
	el, ok := s.elems[op.Target]
	if !ok {
		if !s.floor.Covers(op.Target) {
			s.pending[op.Target] = append(s.pending[op.Target], op)
		}
		return
	}
	if el.tombstone {
		return
	}
	el.tombstone = true
	el.deletedBy = op.ID
	s.orderDirty = true
}

func (s *Sequence) applyFormat(op Op) {
	el, ok := s.elems[op.Target]
	if !ok {
		if !s.floor.Covers(op.Target) {
			s.pending[op.Target] = append(s.pending[op.Target], op)
		}
		return
	}
	// Rewrites of the same element resolve by sibling order: a causally newer
	// format always wins, concurrent ones tie-break by client id, no matter
	// the arrival order.
	if op.ID.before(el.formattedBy) {
		el.attrs = cloneAttrs(op.Attrs)
		el.formattedBy = op.ID
		s.orderDirty = true
	}
}

// resolve drains operations that were waiting on the element that just
// arrived. Draining an insert can resolve further waiters in turn.
func (s *Sequence) resolve(id ID) {
	queued, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	for _, op := range queued {
		s.dispatch(op)
	}
}

// attach inserts child into the anchor's child list, keeping the list in
// sibling order so element placement is deterministic at every replica.
func (s *Sequence) attach(parent, child ID) {
	list := s.head
	if !parent.IsZero() {
		list = s.elems[parent].children
	}
	i := 0
	for i < len(list) && list[i].before(child) {
		i++
	}
	list = append(list, ID{})
	copy(list[i+1:], list[i:])
	list[i] = child
	if parent.IsZero() {
		s.head = list
	} else {
		s.elems[parent].children = list
	}
}

// NextID allocates the next operation ID for a locally-editing client: one
// past the highest counter this replica has observed from anyone, so the op
// compares higher than everything it causally follows.
func (s *Sequence) NextID(client string) ID {
	return ID{Client: client, Counter: s.clock + 1}
}

// InsertAfter creates and applies a local insert, returning the op to relay.
func (s *Sequence) InsertAfter(client string, after ID, content string, attrs map[string]string) (Op, error) {
	op := Op{ID: s.NextID(client), Type: OpInsert, After: after, Content: content, Attrs: attrs}
	return s.Apply(op)
}

// DeleteElement creates and applies a local delete, returning the op to relay.
func (s *Sequence) DeleteElement(client string, target ID) (Op, error) {
	op := Op{ID: s.NextID(client), Type: OpDelete, Target: target}
	return s.Apply(op)
}

// FormatElement creates and applies a local attribute rewrite.
func (s *Sequence) FormatElement(client string, target ID, attrs map[string]string) (Op, error) {
	op := Op{ID: s.NextID(client), Type: OpFormat, Target: target, Attrs: attrs}
	return s.Apply(op)
}

// VisibleText returns the current document text: every non-tombstoned
// element's content in sequence order.
func (s *Sequence) VisibleText() string {
	s.ensureOrder()
	var b strings.Builder
	for _, id := range s.order {
		b.WriteString(s.elems[id].content)
	}
	return b.String()
}

// VisibleElements returns the ordered visible content with element IDs and
// formatting attributes, for sending to a freshly-joined client.
func (s *Sequence) VisibleElements() []Element {
	s.ensureOrder()
	out := make([]Element, 0, len(s.order))
	for _, id := range s.order {
		el := s.elems[id]
		out = append(out, Element{ID: el.id, Content: el.content, Attrs: cloneAttrs(el.attrs)})
	}
	return out
}

func (s *Sequence) ensureOrder() {
	if !s.orderDirty && s.order != nil {
		return
	}
	s.order = s.order[:0]
	s.walk(func(el *element) {
		if !el.tombstone {
			s.order = append(s.order, el.id)
		}
	})
	s.orderDirty = false
}

// walk visits every element (tombstones included) in sequence order,
// parents before children.
func (s *Sequence) walk(visit func(*element)) {
	type frame struct {
		ids  []ID
		next int
	}
	stack := []frame{{ids: s.head}}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.next >= len(f.ids) {
			stack = stack[:len(stack)-1]
			continue
		}
		el := s.elems[f.ids[f.next]]
		f.next++
		visit(el)
		if len(el.children) > 0 {
			stack = append(stack, frame{ids: el.children})
		}
	}
}

// Delta returns the operations a replica that has seen `since` is missing.
// Per-client counters are summaries, not receipts: the delta is correct as
// long as each client's own ops reach this sequence in counter order, which
// the ordered transport and the FIFO offline queue both guarantee.
func (s *Sequence) Delta(since Marker) ([]Op, error) {
	if !since.CoversAll(s.floor) {
		return nil, ErrStaleDelta
	}
	return s.export(since), nil
}

// Ops exports the full compacted sequence as replayable operations.
func (s *Sequence) Ops() []Op {
	return s.export(nil)
}

func (s *Sequence) export(since Marker) []Op {
	var ops []Op
	s.walk(func(el *element) {
		if !since.Covers(el.id) {
			attrs := el.attrs
			if el.formattedBy != el.id {
				// The original insert attrs are gone; the trailing format op
				// below rewrites them to the current state anyway.
				attrs = nil
			}
			ops = append(ops, Op{ID: el.id, Type: OpInsert, After: el.parent, Content: el.content, Attrs: cloneAttrs(attrs)})
		}
		if el.formattedBy != el.id && !since.Covers(el.formattedBy) {
			ops = append(ops, Op{ID: el.formattedBy, Type: OpFormat, Target: el.id, Attrs: cloneAttrs(el.attrs)})
		}
		if el.tombstone && !since.Covers(el.deletedBy) {
			ops = append(ops, Op{ID: el.deletedBy, Type: OpDelete, Target: el.id})
		}
	})
	for _, queued := range s.pending {
		for _, op := range queued {
			if !since.Covers(op.ID) {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

// Compact physically purges tombstones every replica summarized by `retain`
// has already seen deleted. Only childless tombstones are removed so the
// anchor graph, and with it the visible order, is untouched. Purged history
// raises the compaction floor. Returns the number of elements purged.
func (s *Sequence) Compact(retain Marker) int {
	purged := 0
	for {
		var victims []*element
		for _, el := range s.elems {
			if el.tombstone && len(el.children) == 0 &&
				retain.Covers(el.id) && retain.Covers(el.deletedBy) {
				victims = append(victims, el)
			}
		}
		if len(victims) == 0 {
			break
		}
		for _, el := range victims {
			s.detach(el.parent, el.id)
			delete(s.elems, el.id)
			delete(s.seen, el.id)
			delete(s.seen, el.deletedBy)
			s.floor.Observe(el.id)
			s.floor.Observe(el.deletedBy)
			purged++
		}
	}
	if purged > 0 {
		s.orderDirty = true
	}
	return purged
}

func (s *Sequence) detach(parent, child ID) {
	list := s.head
	if !parent.IsZero() {
		list = s.elems[parent].children
	}
	for i, id := range list {
		if id == child {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if parent.IsZero() {
		s.head = list
	} else {
		s.elems[parent].children = list
	}
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
