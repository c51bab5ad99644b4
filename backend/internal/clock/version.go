package clock

// Version is a vector clock: the highest counter applied from each
// replica. Handshakes exchange it to compute which operations a client
// is missing.
type Version map[string]uint64

func NewVersion() Version {
	return make(Version)
}

// Observe records a timestamp as applied.
func (v Version) Observe(t Timestamp) {
	if t.Counter > v[t.Replica] {
		v[t.Replica] = t.Counter
	}
}

// Includes reports whether an operation with this id has already been
// covered. Valid because each replica applies its own operations in
// counter order (causal delivery keeps per-replica streams gapless).
func (v Version) Includes(t Timestamp) bool {
	return t.Counter <= v[t.Replica]
}

// Descends reports whether v has seen at least everything other has.
func (v Version) Descends(other Version) bool {
	for replica, counter := range other {
		if v[replica] < counter {
			return false
		}
	}
	return true
}

// Merge takes the per-replica max of both versions, in place.
func (v Version) Merge(other Version) {
	for replica, counter := range other {
		if v[replica] < counter {
			v[replica] = counter
		}
	}
}

func (v Version) Copy() Version {
	out := make(Version, len(v))
	for replica, counter := range v {
		out[replica] = counter
	}
	return out
}
