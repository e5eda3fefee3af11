package crdt

import "fmt"

// ID identifies a single inserted element (and the operation that created
// it). Counters are Lamport-stamped: each replica issues one past the highest
// counter it has observed from anyone, so an op always carries a higher
// counter than everything it causally follows, and any two IDs compare
// without coordination between clients.
type ID struct {
	Client  string `json:"client"`
	Counter uint64 `json:"counter"`
}

// Head is the zero ID, used as the insertion anchor for the start of the
// document. No real operation ever carries it.
var Head = ID{}

func (a ID) IsZero() bool {
	return a.Client == "" && a.Counter == 0
}

// before reports whether a precedes b in sibling order: the higher counter
// sorts first, so a causally newer insert lands closer to its anchor than the
// siblings it has already seen. Truly concurrent inserts carry equal counters
// and tie-break by client id ascending, identical at every replica. The same
// order decides which of two rewrites of one element wins.
func (a ID) before(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Client < b.Client
}

func (a ID) String() string {
	return fmt.Sprintf("%s:%d", a.Client, a.Counter)
}

// OpType discriminates the closed set of operation variants.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpFormat OpType = "format"
)

// Op is a single replicated edit. Insert anchors new content after an
// existing element (or Head); delete tombstones an element; format rewrites
// an element's attributes.
type Op struct {
	ID      ID                `json:"id"`
	Type    OpType            `json:"type"`
	After   ID                `json:"after,omitempty"`
	Target  ID                `json:"target,omitempty"`
	Content string            `json:"content,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Validate checks the structural requirements of an op before it is applied
// or relayed. It does not check whether referenced elements exist; the
// sequence handles unknown references itself.
func (o Op) Validate() error {
	if o.ID.IsZero() {
		return fmt.Errorf("op has no id")
	}
	switch o.Type {
	case OpInsert:
		if o.Content == "" {
			return fmt.Errorf("insert %s has no content", o.ID)
		}
	case OpDelete, OpFormat:
		if o.Target.IsZero() {
			return fmt.Errorf("%s %s has no target", o.Type, o.ID)
		}
	default:
		return fmt.Errorf("unknown op type %q", o.Type)
	}
	return nil
}
