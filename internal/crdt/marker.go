package crdt

// Marker is a version marker: the highest operation counter observed per
// client. It summarizes "operations seen so far" so a reconnecting replica
// can be sent only what it is missing.
type Marker map[string]uint64

func NewMarker() Marker {
	return make(Marker)
}

// Covers reports whether an op with the given ID is summarized by m.
func (m Marker) Covers(id ID) bool {
	if m == nil {
		return false
	}
	return id.Counter <= m[id.Client]
}

// CoversAll reports whether m summarizes everything other does.
func (m Marker) CoversAll(other Marker) bool {
	for client, counter := range other {
		if counter == 0 {
			continue
		}
		if m == nil || m[client] < counter {
			return false
		}
	}
	return true
}

// Observe folds a single op ID into the marker.
func (m Marker) Observe(id ID) {
	if id.Counter > m[id.Client] {
		m[id.Client] = id.Counter
	}
}

// Merge folds another marker into m, taking the maximum per client.
func (m Marker) Merge(other Marker) {
	for client, counter := range other {
		if counter > m[client] {
			m[client] = counter
		}
	}
}

func (m Marker) Clone() Marker {
	out := make(Marker, len(m))
	for client, counter := range m {
		out[client] = counter
	}
	return out
}

// MinOf returns the pointwise minimum of the given markers: the state every
// one of them has seen. Clients missing from any input contribute zero.
func MinOf(markers ...Marker) Marker {
	out := NewMarker()
	if len(markers) == 0 {
		return out
	}
	for client, counter := range markers[0] {
		min := counter
		for _, m := range markers[1:] {
			if m[client] < min {
				min = m[client]
			}
		}
		if min > 0 {
			out[client] = min
		}
	}
	return out
}
