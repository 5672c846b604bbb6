package gate

// prerollRing is a fixed-capacity FIFO of the most recent audio frames seen
// while no utterance is active. When full, appending evicts the oldest frame.
type prerollRing struct {
	frames [][]byte
	cap    int
}

func newPrerollRing(capacity int) *prerollRing {
	return &prerollRing{
		frames: make([][]byte, 0, capacity),
		cap:    capacity,
	}
}

func (r *prerollRing) append(frame []byte) {
	if len(r.frames) == r.cap {
		copy(r.frames, r.frames[1:])
		r.frames = r.frames[:len(r.frames)-1]
	}
	r.frames = append(r.frames, frame)
}

// flatten concatenates the buffered frames oldest-first into one contiguous
// byte slice, preserving original byte order.
func (r *prerollRing) flatten() []byte {
	total := 0
	for _, f := range r.frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range r.frames {
		out = append(out, f...)
	}
	return out
}

func (r *prerollRing) clear() {
	r.frames = r.frames[:0]
}

func (r *prerollRing) len() int {
	return len(r.frames)
}
