// Package mono provides a single-writer, many-reader monotonically
// increasing counter, adapted from flo's AtomicCounterWriter/Reader split
// (flo-server/src/atomics/atomic_counter.rs): one owner mutates, any
// number of readers observe a value that only ever goes up. Used for
// connection ids and for each stream's commit marker.
package mono

import "sync/atomic"

// CounterWriter is the sole mutator of a counter's value. It is not safe
// for concurrent use by multiple writers; the spec's ownership model
// guarantees there is only ever one (the connection-id allocator, or a
// stream's single appender task).
type CounterWriter struct {
	v *atomic.Uint64
}

// CounterReader observes a counter's value; safe for any number of
// concurrent readers, and safe to share with the writer.
type CounterReader struct {
	v *atomic.Uint64
}

func NewCounterWriter(initial uint64) *CounterWriter {
	v := new(atomic.Uint64)
	v.Store(initial)
	return &CounterWriter{v: v}
}

// IncrementAndGet adds amount and returns the new value.
func (w *CounterWriter) IncrementAndGet(amount uint64) uint64 {
	return w.v.Add(amount)
}

// SetIfGreater stores newValue only if it exceeds the current value.
// Used for a stream's commit marker, which only ever advances.
func (w *CounterWriter) SetIfGreater(newValue uint64) {
	for {
		cur := w.v.Load()
		if newValue <= cur {
			return
		}
		if w.v.CompareAndSwap(cur, newValue) {
			return
		}
	}
}

func (w *CounterWriter) Load() uint64 { return w.v.Load() }

// Reader returns a read-only handle sharing the same backing value.
func (w *CounterWriter) Reader() CounterReader { return CounterReader{v: w.v} }

func (r CounterReader) Load() uint64 { return r.v.Load() }
