package crdt

// Position identifiers give every block and text atom a place in a dense,
// totally ordered space, so concurrent inserts at the same spot land in the
// same relative order on every replica without coordination.

const maxDigit = uint64(1)<<32 - 1

// Seg is one level of a position identifier. Site breaks ties between
// replicas that picked the same digit.
type Seg struct {
	D uint64 `json:"d"`
	S string `json:"s"`
}

// Pid is a position identifier: a path of segments ordered lexicographically.
// A Pid that is a proper prefix of another sorts before it.
type Pid []Seg

// Compare returns -1, 0, or 1.
func (p Pid) Compare(other Pid) int {
	for i := 0; i < len(p) && i < len(other); i++ {
		if p[i].D != other[i].D {
			if p[i].D < other[i].D {
				return -1
			}
			return 1
		}
		if p[i].S != other[i].S {
			if p[i].S < other[i].S {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(other):
		return -1
	case len(p) > len(other):
		return 1
	default:
		return 0
	}
}

func segAt(p Pid, level int, fallback Seg) Seg {
	if level < len(p) {
		return p[level]
	}
	return fallback
}

// allocBetween returns a fresh Pid strictly between left and right for the
// given site. nil left means the start of the sequence, nil right the end.
// Descends a level at a time, copying left's path until a gap of at least
// two digits opens up, then splits the gap.
func allocBetween(left, right Pid, site string) Pid {
	var pos Pid
	useRight := true
	for level := 0; ; level++ {
		lSeg := segAt(left, level, Seg{D: 0})
		rSeg := segAt(right, level, Seg{D: maxDigit})
		if !useRight {
			rSeg = Seg{D: maxDigit}
		}
		if rSeg.D > lSeg.D+1 {
			mid := lSeg.D + (rSeg.D-lSeg.D)/2
			return append(pos, Seg{D: mid, S: site})
		}
		// No room at this level; copy left's segment and go deeper. Once
		// left's segment sorts strictly below right's, any extension stays
		// below right and the bound no longer applies.
		if useRight && segLess(lSeg, rSeg) {
			useRight = false
		}
		pos = append(pos, lSeg)
	}
}

func segLess(a, b Seg) bool {
	if a.D != b.D {
		return a.D < b.D
	}
	return a.S < b.S
}
