package history

import "github.com/coachpo/pricefeed/internal/domain/schema"

// ring is a fixed-capacity circular buffer; once full, push overwrites the oldest sample.
type ring struct {
	buf   []schema.PriceSample
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]schema.PriceSample, capacity)}
}

func (r *ring) push(sample schema.PriceSample) (evicted bool) {
	capacity := len(r.buf)
	if r.count < capacity {
		r.buf[(r.head+r.count)%capacity] = sample
		r.count++
		return false
	}
	r.buf[r.head] = sample
	r.head = (r.head + 1) % capacity
	return true
}

// tail copies the newest n samples (all when n <= 0) in chronological order.
func (r *ring) tail(n int) []schema.PriceSample {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]schema.PriceSample, n)
	start := r.head + r.count - n
	for i := range n {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) last() (schema.PriceSample, bool) {
	if r.count == 0 {
		return schema.PriceSample{}, false
	}
	return r.buf[(r.head+r.count-1)%len(r.buf)], true
}

func (r *ring) reset() {
	clear(r.buf)
	r.head = 0
	r.count = 0
}

func (r *ring) len() int { return r.count }
