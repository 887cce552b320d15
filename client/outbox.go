package client

// outbox is a fixed-size FIFO of frames sent while the connection was not
// open. When full, the oldest frame is evicted to make room.
type outbox struct {
	frames  [][]byte
	size    int
	evicted int
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		return nil
	}
	return &outbox{
		frames: make([][]byte, 0, size),
		size:   size,
	}
}

// push stores a frame, evicting the oldest when full.
// Reports whether an eviction happened.
func (o *outbox) push(frame []byte) bool {
	evicted := false
	if len(o.frames) >= o.size {
		o.frames[0] = nil
		o.frames = o.frames[1:]
		o.evicted++
		evicted = true
	}
	// copy to avoid retaining the caller's buffer
	p := make([]byte, len(frame))
	copy(p, frame)
	o.frames = append(o.frames, p)
	return evicted
}

// drain returns every held frame in insertion order and empties the outbox.
func (o *outbox) drain() [][]byte {
	out := o.frames
	o.frames = make([][]byte, 0, o.size)
	return out
}

func (o *outbox) len() int {
	return len(o.frames)
}
