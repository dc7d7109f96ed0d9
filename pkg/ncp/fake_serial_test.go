package ncp

import (
	"io"
	"time"
)

// fakeSerial is an in-memory stand-in for the serialBackend interface,
// letting tests script exact NCP replies without a real device
// attached (grounded on the scenario-driven "mock serial that scripts
// replies" style of spec §8's end-to-end scenarios).
type fakeSerial struct {
	rx      []byte // bytes the fake "NCP" will hand back on Read
	rxPos   int
	tx      []byte // everything written by the code under test
	closed  bool
	timeout time.Duration
}

func newFakeSerial(rx []byte) *fakeSerial {
	return &fakeSerial{rx: rx}
}

// newFakeSerialFromFrame wraps a pre-built frame in a *SerialPort so
// session-layer receive() methods can be exercised directly.
func newFakeSerialFromFrame(frame []byte) *SerialPort {
	return &SerialPort{port: newFakeSerial(frame)}
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.tx = append(f.tx, p...)
	return len(p), nil
}

func (f *fakeSerial) Read(p []byte) (int, error) {
	if f.rxPos >= len(f.rx) {
		return 0, nil // mimics go.bug.st/serial's timeout signal: (0, nil)
	}
	n := copy(p, f.rx[f.rxPos:])
	f.rxPos += n
	return n, nil
}

func (f *fakeSerial) Close() error {
	f.closed = true
	return nil
}

func (f *fakeSerial) SetReadTimeout(t time.Duration) error {
	f.timeout = t
	return nil
}

// ResetInputBuffer is a no-op: in these tests the scripted reply queue
// models bytes not yet arrived on the wire, not stale buffered bytes,
// so there is nothing to discard.
func (f *fakeSerial) ResetInputBuffer() error {
	return nil
}

var _ io.ReadWriteCloser = (*fakeSerial)(nil)

// queuedReplySerial hands back one scripted reply per Write call,
// rather than one flat concatenated stream — it models a device that
// stays silent on protocols it doesn't understand and only answers the
// specific command that triggers a reply (e.g. a bootloader ignoring
// ASH/Spinel probes but answering its own menu trigger byte).
type queuedReplySerial struct {
	replies [][]byte
	next    int
	cur     []byte
	curPos  int
	tx      []byte
}

func newQueuedReplySerial(replies ...[]byte) *queuedReplySerial {
	return &queuedReplySerial{replies: replies}
}

func (q *queuedReplySerial) Write(p []byte) (int, error) {
	q.tx = append(q.tx, p...)
	if q.next < len(q.replies) {
		q.cur = q.replies[q.next]
		q.curPos = 0
		q.next++
	} else {
		q.cur = nil
		q.curPos = 0
	}
	return len(p), nil
}

func (q *queuedReplySerial) Read(p []byte) (int, error) {
	if q.curPos >= len(q.cur) {
		return 0, nil
	}
	n := copy(p, q.cur[q.curPos:])
	q.curPos += n
	return n, nil
}

func (q *queuedReplySerial) Close() error                        { return nil }
func (q *queuedReplySerial) SetReadTimeout(t time.Duration) error { return nil }
func (q *queuedReplySerial) ResetInputBuffer() error              { return nil }

var _ io.ReadWriteCloser = (*queuedReplySerial)(nil)
