package broker

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
	"github.com/xonfour/horizont-sub000/event"
)

// stream tracks one open data stream on a connected tuple. The tuple is
// busy while it has at least one stream.
type stream struct {
	b       *Broker
	t       *tuple
	path    string
	dir     component.StreamDirection
	closer  io.Closer
	onClose func(component.StreamClosed)

	n        atomic.Int64
	once     sync.Once
	closeErr error
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.closeErr = s.closer.Close()
		s.b.release(s)
	})
	return s.closeErr
}

type trackedReader struct {
	*stream
	r io.Reader
}

func (r *trackedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n.Add(int64(n))
	return n, err
}

type trackedWriter struct {
	*stream
	w io.Writer
}

func (w *trackedWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.n.Add(int64(n))
	return n, err
}

// WrapReader tracks rc as a stream read over the connected tuple key.
// onClose, when set, runs after the stream closed and the tuple counters
// were updated.
func (b *Broker) WrapReader(key component.ConnectionKey, path string, rc io.ReadCloser,
	onClose func(component.StreamClosed),
) (io.ReadCloser, error) {
	s, err := b.track(key, path, component.StreamRead, rc, onClose)
	if err != nil {
		return nil, err
	}
	return &trackedReader{stream: s, r: rc}, nil
}

// WrapWriter tracks wc as a stream written over the connected tuple key
func (b *Broker) WrapWriter(key component.ConnectionKey, path string, wc io.WriteCloser,
	onClose func(component.StreamClosed),
) (io.WriteCloser, error) {
	s, err := b.track(key, path, component.StreamWrite, wc, onClose)
	if err != nil {
		return nil, err
	}
	return &trackedWriter{stream: s, w: wc}, nil
}

func (b *Broker) track(key component.ConnectionKey, path string, dir component.StreamDirection, c io.Closer,
	onClose func(component.StreamClosed),
) (*stream, error) {
	b.dataMu.Lock()
	t, ok := b.connected[key]
	if !ok {
		b.dataMu.Unlock()
		return nil, errors.NewBroker("Broker", "track", fmt.Sprintf("connection %s is not connected", key))
	}
	s := &stream{b: b, t: t, path: path, dir: dir, closer: c, onClose: onClose}
	if t.streams == nil {
		t.streams = make(map[*stream]struct{})
	}
	first := len(t.streams) == 0
	t.streams[s] = struct{}{}
	view := t.view(true)
	b.dataMu.Unlock()

	if first {
		b.publish(event.NewConnectionUpdate(event.ConnectionBusy, view))
	}
	return s, nil
}

func (b *Broker) release(s *stream) {
	n := s.n.Load()

	b.dataMu.Lock()
	t := s.t
	delete(t.streams, s)
	t.bytes += n
	t.lastActivity = time.Now()
	last := len(t.streams) == 0
	view := t.view(b.connected[t.key] == t)
	b.dataMu.Unlock()

	if last {
		b.publish(event.NewConnectionUpdate(event.ConnectionIdle, view))
	}
	if s.onClose != nil {
		s.onClose(component.StreamClosed{Connection: t.key, Path: s.path, Bytes: n, Direction: s.dir})
	}
}

// OpenStreams returns the number of open streams on a tuple
func (b *Broker) OpenStreams(key component.ConnectionKey) int {
	b.dataMu.RLock()
	defer b.dataMu.RUnlock()
	if t, ok := b.connected[key]; ok {
		return len(t.streams)
	}
	if t, ok := b.disconnected[key]; ok {
		return len(t.streams)
	}
	return 0
}
