package sonar

// DefaultFilterSize is the number of recent valid distances averaged.
const DefaultFilterSize = 3

// Filter is a fixed-size ring of recent distances. Zero slots are empty and
// never counted. Not safe for concurrent use; Echo guards its filter.
type Filter struct {
	ring   []uint32
	cursor int
}

// NewFilter creates a filter holding size samples. size < 1 is treated as 1.
func NewFilter(size int) *Filter {
	if size < 1 {
		size = 1
	}
	return &Filter{ring: make([]uint32, size)}
}

// Push overwrites the oldest slot and advances the cursor.
func (f *Filter) Push(cm uint32) {
	f.ring[f.cursor] = cm
	f.cursor = (f.cursor + 1) % len(f.ring)
}

// Average returns the truncated mean of the non-zero slots.
// ok is false when every slot is empty.
func (f *Filter) Average() (avg uint32, ok bool) {
	var sum uint64
	var n uint64
	for _, v := range f.ring {
		if v > 0 {
			sum += uint64(v)
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return uint32(sum / n), true
}

// Size returns the ring capacity.
func (f *Filter) Size() int {
	return len(f.ring)
}

// Cursor returns the next write position.
func (f *Filter) Cursor() int {
	return f.cursor
}

// Values returns a copy of the ring in slot order.
func (f *Filter) Values() []uint32 {
	out := make([]uint32, len(f.ring))
	copy(out, f.ring)
	return out
}
