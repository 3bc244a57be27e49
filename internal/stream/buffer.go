package stream

import (
	"sync"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/event"
)

type pendingWrite struct {
	data []byte
	done *action.Action[struct{}]
}

// BufferStream queues writes until it is tied to a linked stream, then
// passes them through. While the tied stream is not linked, writes queue
// again. The queue holds at most limit elements.
type BufferStream struct {
	limit int

	mu       sync.Mutex
	out      ByteStream
	info     Info
	pending  []pendingWrite
	flushing bool
	closed   bool
	// refreshes counts reads of the tied stream's info; only the latest
	// read may be applied.
	refreshes uint64
	subs      event.Group

	dataEv   event.Event[[]byte]
	updateEv event.Event[Info]
}

// NewBufferStream creates an untied buffer holding up to limit writes.
func NewBufferStream(limit int) *BufferStream {
	if limit <= 0 {
		limit = 1
	}
	return &BufferStream{limit: limit, info: Info{LinkState: Unlinked}}
}

// Write queues or forwards data.
func (b *BufferStream) Write(data []byte) *action.Action[struct{}] {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return action.Failed[struct{}](ErrClosed)
	case b.info.LinkState == LinkError:
		b.mu.Unlock()
		return action.Failed[struct{}](ErrLinkError)
	case b.out != nil && b.info.LinkState == Linked && !b.flushing && len(b.pending) == 0:
		out := b.out
		b.mu.Unlock()
		return out.Write(data)
	case len(b.pending) >= b.limit:
		b.mu.Unlock()
		return action.Failed[struct{}](ErrBufferFull)
	}

	w := pendingWrite{data: append([]byte(nil), data...), done: action.New[struct{}]()}
	b.pending = append(b.pending, w)
	b.mu.Unlock()
	return w.done
}

// Tie connects the buffer to out. Queued writes flush once out is linked,
// and out's data and update events are re-emitted by the buffer.
// Tie does not transfer ownership of out.
func (b *BufferStream) Tie(out ByteStream) {
	b.mu.Lock()
	if b.closed || b.out != nil {
		b.mu.Unlock()
		return
	}
	b.out = out
	b.mu.Unlock()

	b.subs.Add(
		out.DataEvent().Subscribe(b.dataEv.Emit),
		out.UpdateEvent().Subscribe(func(Info) { b.refresh() }),
	)
	b.refresh()
}

// refresh applies the tied stream's current info. Update events can race
// with Tie and with each other, so the emitted snapshot is ignored and
// Info is read again. A read superseded by a later refresh is dropped;
// the later one observes at least as new a state.
func (b *BufferStream) refresh() {
	b.mu.Lock()
	out := b.out
	if out == nil || b.closed {
		b.mu.Unlock()
		return
	}
	b.refreshes++
	seq := b.refreshes
	b.mu.Unlock()

	b.apply(out.Info(), seq)
}

// Pending returns the number of queued writes.
func (b *BufferStream) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SetLinkState sets the state of an untied buffer. LinkError rejects
// every queued write.
func (b *BufferStream) SetLinkState(state LinkState) {
	b.mu.Lock()
	if b.out != nil || b.closed {
		b.mu.Unlock()
		return
	}
	info := b.info
	info.LinkState = state
	b.mu.Unlock()

	b.apply(info, 0)
}

// apply installs info. A nonzero seq must match the latest refresh.
func (b *BufferStream) apply(info Info, seq uint64) {
	b.mu.Lock()
	if b.closed || (seq != 0 && seq != b.refreshes) {
		b.mu.Unlock()
		return
	}
	changed := b.info != info
	b.info = info

	var failed []pendingWrite
	flush := false
	switch info.LinkState {
	case LinkError:
		failed = b.pending
		b.pending = nil
	case Linked:
		if b.out != nil && !b.flushing && len(b.pending) > 0 {
			b.flushing = true
			flush = true
		}
	}
	b.mu.Unlock()

	for _, w := range failed {
		w.done.Reject(ErrLinkError)
	}
	if changed {
		b.updateEv.Emit(info)
	}
	if flush {
		b.flush()
	}
}

// flush drains the queue in order. Writes arriving meanwhile are queued
// behind it so element order is kept.
func (b *BufferStream) flush() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 || b.out == nil || b.info.LinkState != Linked || b.closed {
			b.flushing = false
			b.mu.Unlock()
			return
		}
		batch := b.pending
		b.pending = nil
		out := b.out
		b.mu.Unlock()

		for _, w := range batch {
			action.Forward(out.Write(w.data), w.done)
		}
	}
}

// Info returns the buffer's view of the link.
func (b *BufferStream) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// DataEvent emits elements received from the tied stream.
func (b *BufferStream) DataEvent() event.Source[[]byte] {
	return &b.dataEv
}

// UpdateEvent emits link changes.
func (b *BufferStream) UpdateEvent() event.Source[Info] {
	return &b.updateEv
}

// Restream forwards to the tied stream.
func (b *BufferStream) Restream() {
	b.mu.Lock()
	out := b.out
	b.mu.Unlock()
	if out != nil {
		out.Restream()
	}
}

// Close rejects queued writes and detaches from the tied stream without
// closing it.
func (b *BufferStream) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.subs.Reset()
	for _, w := range pending {
		w.done.Reject(ErrClosed)
	}
	return nil
}
