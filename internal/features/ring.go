package features

// Ring is a bounded FIFO of float samples. Once full, each Push evicts the oldest.
type Ring struct {
	buf  []float64
	head int
	size int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

func (r *Ring) Push(v float64) {
	r.buf[(r.head+r.size)%len(r.buf)] = v
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

func (r *Ring) Len() int { return r.size }

func (r *Ring) Cap() int { return len(r.buf) }

// Values returns a copy, oldest first.
func (r *Ring) Values() []float64 {
	out := make([]float64, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Tail returns up to n most recent values, oldest first.
func (r *Ring) Tail(n int) []float64 {
	v := r.Values()
	if n < len(v) {
		v = v[len(v)-n:]
	}
	return v
}

func (r *Ring) Last() (float64, bool) {
	if r.size == 0 {
		return 0, false
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)], true
}

func (r *Ring) Reset() {
	r.head, r.size = 0, 0
}
