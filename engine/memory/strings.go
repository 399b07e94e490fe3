package memory

import "unsafe"

const defaultArenaChunk = 4096

// StringArena interns strings into chunks it owns. Interned strings stay
// valid for the arena's lifetime, independent of the buffers they were
// copied from.
type StringArena struct {
	chunkSize int
	chunks    [][]byte
	current   []byte
	interned  map[string]string
}

func NewStringArena(chunkSize int) *StringArena {
	if chunkSize <= 0 {
		chunkSize = defaultArenaChunk
	}
	return &StringArena{
		chunkSize: chunkSize,
		interned:  make(map[string]string),
	}
}

// Intern returns the arena copy of s, deduplicating equal strings.
func (a *StringArena) Intern(s string) string {
	if s == "" {
		return ""
	}
	if v, ok := a.interned[s]; ok {
		return v
	}
	if len(s) > cap(a.current)-len(a.current) {
		size := a.chunkSize
		if len(s) > size {
			size = len(s)
		}
		a.current = make([]byte, 0, size)
		a.chunks = append(a.chunks, a.current)
	}
	start := len(a.current)
	a.current = append(a.current, s...)
	b := a.current[start:len(a.current)]
	v := unsafe.String(unsafe.SliceData(b), len(b))
	a.interned[v] = v
	return v
}

// InternBytes interns without allocating a temporary string for lookups.
func (a *StringArena) InternBytes(b []byte) string {
	if v, ok := a.interned[string(b)]; ok {
		return v
	}
	return a.Intern(string(b))
}

func (a *StringArena) Len() int {
	return len(a.interned)
}

// Bytes is the total capacity of the chunks held by the arena.
func (a *StringArena) Bytes() int {
	total := 0
	for _, c := range a.chunks {
		total += cap(c)
	}
	return total
}
