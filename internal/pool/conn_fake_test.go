package pool

import (
	"errors"
	"net"
	"sync"
	"time"
)

// pipeConn is a minimal net.Conn stand-in for pool tests: it never
// produces data and blocks Read until Close, so conn.Connection's
// background read loop stays parked for the lifetime of a borrowed
// fake connection instead of spinning on repeated EOF.
type pipeConn struct {
	once   sync.Once
	closed chan struct{}
}

func newPipeConn() *pipeConn {
	return &pipeConn{closed: make(chan struct{})}
}

func (p *pipeConn) Read(b []byte) (int, error) {
	<-p.closed
	return 0, errors.New("pipeConn: closed")
}

func (p *pipeConn) Write(b []byte) (int, error) { return len(b), nil }

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (p *pipeConn) RemoteAddr() net.Addr               { return fakeAddr{} }
func (p *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (p *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }
