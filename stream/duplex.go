// Package stream provides the buffered duplex base sockets build on: a readable side
// fed by Push with high-water-mark backpressure and a writable side that hands queued
// chunks to the owner one at a time.
package stream

import (
	"io"

	"github.com/sagernet/loopnet/common/observable"

	"github.com/eapache/queue"
	"github.com/smallnest/ringbuffer"
)

const (
	DefaultHighWaterMark = 16 * 1024
	maxEmitChunk         = 64 * 1024
)

// Source is implemented by the owner of a Duplex.
type Source interface {
	// Read asks for up to size more bytes to be pushed.
	Read(size int)
	// Write hands one queued chunk over; onDone lets the next chunk through.
	Write(data []byte, onDone func(err error))
	// Final runs after the last queued chunk once End was called.
	Final(onDone func(err error))
}

type Scheduler interface {
	NextTick(task func())
}

type Options struct {
	HighWaterMark int
}

// Duplex is confined to the event loop of its owner.
type Duplex struct {
	source        Source
	scheduler     Scheduler
	highWaterMark int

	readBuffer   *ringbuffer.RingBuffer
	flowing      bool
	eof          bool
	endRequested bool
	endScheduled bool
	endEmitted   bool
	readable     bool

	writeQueue    *queue.Queue
	writeBuffered int
	writing       bool
	inWriteLoop   bool
	ending        bool
	finalCalled   bool
	finished      bool
	writable      bool
	writeErr      error

	destroyed bool

	data   observable.Signal[[]byte]
	end    observable.Signal[struct{}]
	finish observable.Signal[struct{}]
}

func New(source Source, scheduler Scheduler, options Options) *Duplex {
	highWaterMark := options.HighWaterMark
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	return &Duplex{
		source:        source,
		scheduler:     scheduler,
		highWaterMark: highWaterMark,
		readBuffer:    ringbuffer.New(highWaterMark),
		writeQueue:    queue.New(),
		readable:      true,
		writable:      true,
	}
}

func (d *Duplex) Readable() bool {
	return d.readable
}

func (d *Duplex) Writable() bool {
	return d.writable
}

func (d *Duplex) SetReadable(readable bool) {
	d.readable = readable
}

func (d *Duplex) SetWritable(writable bool) {
	d.writable = writable
}

func (d *Duplex) Flowing() bool {
	return d.flowing
}

func (d *Duplex) Ended() bool {
	return d.endEmitted
}

func (d *Duplex) Ending() bool {
	return d.ending
}

func (d *Duplex) Finished() bool {
	return d.finished
}

func (d *Duplex) Destroyed() bool {
	return d.destroyed
}

func (d *Duplex) HighWaterMark() int {
	return d.highWaterMark
}

// ReadableLength is the number of pushed bytes not yet consumed.
func (d *Duplex) ReadableLength() int {
	return d.readBuffer.Length()
}

// WritableLength is the number of written bytes not yet handed to the source.
func (d *Duplex) WritableLength() int {
	return d.writeBuffered
}

func (d *Duplex) NeedDrain() bool {
	return d.writeBuffered >= d.highWaterMark
}

func (d *Duplex) OnData(fn func(data []byte)) observable.Subscription {
	subscription := d.data.On(fn)
	d.Resume()
	return subscription
}

func (d *Duplex) OffData(subscription observable.Subscription) {
	d.data.Off(subscription)
	if d.data.Len() == 0 {
		d.Pause()
	}
}

func (d *Duplex) OnEnd(fn func()) observable.Subscription {
	return d.end.On(func(struct{}) { fn() })
}

func (d *Duplex) OnceEnd(fn func()) observable.Subscription {
	return d.end.Once(func(struct{}) { fn() })
}

func (d *Duplex) OnFinish(fn func()) observable.Subscription {
	return d.finish.On(func(struct{}) { fn() })
}

func (d *Duplex) OnceFinish(fn func()) observable.Subscription {
	return d.finish.Once(func(struct{}) { fn() })
}

// Push appends data to the read side. It reports whether more data is welcome; false
// means the buffer reached the high-water mark or the read side is closed.
func (d *Duplex) Push(data []byte) bool {
	if d.destroyed || d.eof {
		return false
	}
	if len(data) > 0 {
		if d.flowing && d.readBuffer.IsEmpty() {
			d.data.Emit(data)
		} else {
			d.bufferData(data)
			if d.flowing {
				d.flush()
			}
		}
	}
	return !d.destroyed && d.readBuffer.Length() < d.highWaterMark
}

// PushEOF marks the end of the read side. End is signalled once everything buffered
// before it has been consumed.
func (d *Duplex) PushEOF() {
	if d.destroyed || d.eof {
		return
	}
	d.eof = true
	if d.flowing {
		d.endRequested = true
	}
	d.maybeEnd()
}

// Read copies buffered data into p without blocking. It returns ErrWouldBlock when
// nothing is buffered yet and io.EOF after the end of the read side.
func (d *Duplex) Read(p []byte) (int, error) {
	if d.destroyed {
		return 0, ErrDestroyed
	}
	if d.readBuffer.IsEmpty() {
		if d.eof {
			d.endRequested = true
			d.maybeEnd()
			return 0, io.EOF
		}
		d.readMore()
		return 0, ErrWouldBlock
	}
	n, _ := d.readBuffer.Read(p)
	if d.readBuffer.IsEmpty() && d.eof {
		d.endRequested = true
		d.maybeEnd()
	} else {
		d.readMore()
	}
	return n, nil
}

// Resume switches the read side to flowing mode, emitting buffered data first.
func (d *Duplex) Resume() {
	if d.destroyed {
		return
	}
	d.flowing = true
	if d.eof {
		d.endRequested = true
	}
	d.flush()
}

func (d *Duplex) Pause() {
	d.flowing = false
}

// Kick requests data from the source without consuming anything.
func (d *Duplex) Kick() {
	d.readMore()
}

func (d *Duplex) bufferData(data []byte) {
	if free := d.readBuffer.Free(); free < len(data) {
		capacity := d.readBuffer.Capacity() * 2
		if required := d.readBuffer.Length() + len(data); capacity < required {
			capacity = required
		}
		buffered := make([]byte, d.readBuffer.Length())
		if len(buffered) > 0 {
			_, _ = d.readBuffer.Read(buffered)
		}
		d.readBuffer = ringbuffer.New(capacity)
		if len(buffered) > 0 {
			_, _ = d.readBuffer.Write(buffered)
		}
	}
	_, _ = d.readBuffer.Write(data)
}

func (d *Duplex) flush() {
	for d.flowing && !d.destroyed && !d.readBuffer.IsEmpty() {
		size := d.readBuffer.Length()
		if size > maxEmitChunk {
			size = maxEmitChunk
		}
		chunk := make([]byte, size)
		n, _ := d.readBuffer.Read(chunk)
		d.data.Emit(chunk[:n])
	}
	if d.destroyed {
		return
	}
	if d.readBuffer.IsEmpty() && d.eof {
		d.maybeEnd()
	} else if d.flowing {
		d.readMore()
	}
}

func (d *Duplex) readMore() {
	if d.destroyed || d.eof {
		return
	}
	if buffered := d.readBuffer.Length(); buffered < d.highWaterMark {
		d.source.Read(d.highWaterMark - buffered)
	}
}

func (d *Duplex) maybeEnd() {
	if !d.eof || !d.endRequested || d.endScheduled || !d.readBuffer.IsEmpty() {
		return
	}
	d.endScheduled = true
	d.scheduler.NextTick(func() {
		if d.destroyed || d.endEmitted {
			return
		}
		d.endEmitted = true
		d.readable = false
		d.end.Emit(struct{}{})
	})
}

// Write queues data for the source. The slice is copied.
func (d *Duplex) Write(data []byte) error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.ending || !d.writable {
		return ErrWriteAfterEnd
	}
	if d.writeErr != nil {
		return d.writeErr
	}
	if len(data) == 0 {
		return nil
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	d.writeQueue.Add(chunk)
	d.writeBuffered += len(chunk)
	d.drainWrites()
	return nil
}

// End queues the optional final chunks and closes the write side once they are
// handed over. Calling End again is a no-op.
func (d *Duplex) End(data ...[]byte) error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.ending {
		return nil
	}
	for _, chunk := range data {
		if err := d.Write(chunk); err != nil {
			return err
		}
	}
	d.ending = true
	d.writable = false
	d.maybeFinish()
	return nil
}

func (d *Duplex) drainWrites() {
	if d.inWriteLoop {
		return
	}
	d.inWriteLoop = true
	for !d.writing && !d.destroyed && d.writeErr == nil && d.writeQueue.Length() > 0 {
		chunk := d.writeQueue.Remove().([]byte)
		d.writing = true
		d.source.Write(chunk, d.afterWrite(len(chunk)))
	}
	d.inWriteLoop = false
	d.maybeFinish()
}

func (d *Duplex) afterWrite(size int) func(err error) {
	var called bool
	return func(err error) {
		if called || d.destroyed {
			return
		}
		called = true
		d.writeBuffered -= size
		d.writing = false
		if err != nil {
			d.writeErr = err
			return
		}
		if !d.inWriteLoop {
			d.drainWrites()
		}
	}
}

func (d *Duplex) maybeFinish() {
	if !d.ending || d.finalCalled || d.writing || d.destroyed || d.writeErr != nil || d.writeQueue.Length() > 0 {
		return
	}
	d.finalCalled = true
	d.source.Final(func(err error) {
		if d.destroyed {
			return
		}
		if err != nil {
			d.writeErr = err
			return
		}
		d.finished = true
		d.scheduler.NextTick(func() {
			if d.destroyed {
				return
			}
			d.finish.Emit(struct{}{})
		})
	})
}

// Destroy drops buffered data on both sides. Nothing is emitted afterwards.
func (d *Duplex) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.readable = false
	d.writable = false
	d.flowing = false
	d.readBuffer.Reset()
	for d.writeQueue.Length() > 0 {
		d.writeQueue.Remove()
	}
	d.writeBuffered = 0
}
