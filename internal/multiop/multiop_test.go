package multiop

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/memlink/internal/conn"
	"github.com/oriys/memlink/internal/health"
	"github.com/oriys/memlink/internal/pool"
	"github.com/oriys/memlink/internal/protocol"
	"github.com/oriys/memlink/internal/ring"
)

// storedItem is one fakeServer entry: a value plus the CAS token that
// identifies its current version, enough to let SetQ with a non-zero
// CAS field behave like a real compare-and-swap.
type storedItem struct {
	value []byte
	cas   uint64
}

// fakeServer is a minimal binary-protocol memcached stand-in: an
// in-memory map served over a real TCP listener, just enough of the
// wire format (GetKQ/SetQ/DeleteQ/NoOp) to exercise the scatter/gather
// engine end-to-end.
type fakeServer struct {
	ln     net.Listener
	data   sync.Map // key -> *storedItem
	casSeq atomic.Uint64
}

func startFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln}
	go s.acceptLoop()
	return s
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) stop() { s.ln.Close() }

func (s *fakeServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(c)
	}
}

type rawRequest struct {
	opcode protocol.Opcode
	opaque uint32
	cas    uint64
	extras []byte
	key    []byte
	value  []byte
}

func readRawRequest(r io.Reader) (*rawRequest, error) {
	var hdr [protocol.HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	opcode := protocol.Opcode(hdr[1])
	keyLen := binary.BigEndian.Uint16(hdr[2:4])
	extrasLen := hdr[4]
	bodyLen := binary.BigEndian.Uint32(hdr[8:12])
	opaque := binary.BigEndian.Uint32(hdr[12:16])
	cas := binary.BigEndian.Uint64(hdr[16:24])

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return &rawRequest{
		opcode: opcode,
		opaque: opaque,
		cas:    cas,
		extras: body[:extrasLen],
		key:    body[extrasLen : uint32(extrasLen)+uint32(keyLen)],
		value:  body[uint32(extrasLen)+uint32(keyLen):],
	}, nil
}

func encodeResponse(resp *protocol.Response) []byte {
	bodyLen := len(resp.Extras) + len(resp.Key) + len(resp.Value)
	buf := make([]byte, protocol.HeaderSize+bodyLen)
	buf[0] = 0x81
	buf[1] = byte(resp.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(resp.Key)))
	buf[4] = byte(len(resp.Extras))
	binary.BigEndian.PutUint16(buf[6:8], uint16(resp.Status))
	binary.BigEndian.PutUint32(buf[8:12], uint32(bodyLen))
	binary.BigEndian.PutUint32(buf[12:16], resp.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], resp.CAS)
	pos := protocol.HeaderSize
	copy(buf[pos:], resp.Extras)
	pos += len(resp.Extras)
	copy(buf[pos:], resp.Key)
	pos += len(resp.Key)
	copy(buf[pos:], resp.Value)
	return buf
}

func (s *fakeServer) serve(c net.Conn) {
	defer c.Close()
	for {
		req, err := readRawRequest(c)
		if err != nil {
			return
		}

		switch req.opcode {
		case protocol.GetKQ, protocol.GetQ:
			v, ok := s.data.Load(string(req.key))
			if !ok {
				continue // quiet miss: no response
			}
			item := v.(*storedItem)
			c.Write(encodeResponse(&protocol.Response{
				Opcode: req.opcode,
				Status: protocol.NoError,
				Opaque: req.opaque,
				CAS:    item.cas,
				Extras: protocol.StorageExtras(0, 0),
				Key:    req.key,
				Value:  item.value,
			}))
		case protocol.SetQ:
			if req.cas != 0 {
				v, ok := s.data.Load(string(req.key))
				if !ok {
					c.Write(encodeResponse(&protocol.Response{
						Opcode: req.opcode,
						Status: protocol.KeyNotFound,
						Opaque: req.opaque,
					}))
					continue
				}
				if v.(*storedItem).cas != req.cas {
					c.Write(encodeResponse(&protocol.Response{
						Opcode: req.opcode,
						Status: protocol.KeyExists,
						Opaque: req.opaque,
					}))
					continue
				}
			}
			s.data.Store(string(req.key), &storedItem{
				value: append([]byte(nil), req.value...),
				cas:   s.casSeq.Add(1),
			})
			// quiet success: no response
		case protocol.DeleteQ:
			s.data.Delete(string(req.key))
			// quiet success: no response
		case protocol.NoOp:
			c.Write(encodeResponse(&protocol.Response{
				Opcode: protocol.NoOp,
				Status: protocol.NoError,
				Opaque: req.opaque,
			}))
		case protocol.Version:
			c.Write(encodeResponse(&protocol.Response{
				Opcode: protocol.Version,
				Status: protocol.NoError,
				Opaque: req.opaque,
				Value:  []byte("fake-1.0"),
			}))
		}
	}
}

type connFactory struct {
	dialer conn.TCPDialer
}

func (f *connFactory) Create(key string) (*conn.Connection, error) {
	return f.dialer.Dial(context.Background(), key, time.Second)
}

func (f *connFactory) Destroy(key string, c *conn.Connection) { c.Close() }

func (f *connFactory) Validate(key string, c *conn.Connection) bool { return true }

func newTestEngine(t *testing.T, servers ...*fakeServer) (*Engine, func()) {
	t.Helper()
	r := ring.New(true)
	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.addr()
		r.Add(s.addr())
	}

	p := pool.New(&connFactory{}, pool.Config{Min: 0, Max: 4})
	mon := health.New(r, health.DialProber(conn.TCPDialer{}, time.Second, time.Second), 0)
	for _, a := range addrs {
		mon.AddServer(a)
	}

	e := &Engine{
		Ring:            r,
		Pool:            p,
		Health:          mon,
		BorrowTimeout:   time.Second,
		WriteTimeout:    time.Second,
		ResponseTimeout: time.Second,
	}
	return e, func() {
		p.Close()
		for _, s := range servers {
			s.stop()
		}
	}
}

// keyOwnedBy returns the first "key-N" that e's ring routes to s.
func keyOwnedBy(t *testing.T, e *Engine, s *fakeServer) string {
	t.Helper()
	for i := 0; i < 10000; i++ {
		k := fmt.Sprintf("key-%d", i)
		if owner, _ := e.Ring.Lookup([]byte(k)); owner == s.addr() {
			return k
		}
	}
	t.Fatalf("no key routes to %s", s.addr())
	return ""
}

func TestGetMultiAcrossServers(t *testing.T) {
	s1 := startFakeServer(t)
	s2 := startFakeServer(t)

	e, cleanup := newTestEngine(t, s1, s2)
	defer cleanup()

	// Seed one key on each server, on the server the ring routes it to.
	k1, k2 := keyOwnedBy(t, e, s1), keyOwnedBy(t, e, s2)
	s1.data.Store(k1, &storedItem{value: []byte("v1")})
	s2.data.Store(k2, &storedItem{value: []byte("v2")})

	results, err := e.GetMulti(context.Background(), []string{k1, k2, "k3"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if string(results[k1].Value) != "v1" {
		t.Fatalf("expected %s=v1, got %+v", k1, results[k1])
	}
	if string(results[k2].Value) != "v2" {
		t.Fatalf("expected %s=v2, got %+v", k2, results[k2])
	}
	if _, ok := results["k3"]; ok {
		t.Fatal("expected k3 missing")
	}
}

func TestSetMultiThenGetMulti(t *testing.T) {
	s1 := startFakeServer(t)
	e, cleanup := newTestEngine(t, s1)
	defer cleanup()

	setResults, err := e.SetMulti(context.Background(), []SetEntry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	})
	if err != nil {
		t.Fatalf("SetMulti: %v", err)
	}
	if !setResults["a"] || !setResults["b"] {
		t.Fatalf("expected both sets to succeed: %+v", setResults)
	}

	got, err := e.GetMulti(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if string(got["a"].Value) != "1" || string(got["b"].Value) != "2" {
		t.Fatalf("unexpected values: %+v", got)
	}
}

func TestDeleteMultiPartialFailureTolerated(t *testing.T) {
	s1 := startFakeServer(t)
	dead := startFakeServer(t)

	e, cleanup := newTestEngine(t, s1, dead)
	defer cleanup()

	// One key lives on s1; the other routes to a server stopped before
	// the call, so its batch fails to connect.
	liveKey, deadKey := keyOwnedBy(t, e, s1), keyOwnedBy(t, e, dead)
	s1.data.Store(liveKey, &storedItem{value: []byte("v")})
	dead.stop()

	results, err := e.DeleteMulti(context.Background(), []string{liveKey, deadKey})
	if err != nil {
		t.Fatalf("DeleteMulti returned error (should tolerate per-server failures): %v", err)
	}
	if !results[liveKey] {
		t.Fatalf("expected delete on the live server to succeed: %+v", results)
	}
	if results[deadKey] {
		t.Fatalf("expected delete routed to the stopped server to report false: %+v", results)
	}

	if _, found := s1.data.Load(liveKey); found {
		t.Fatal("expected key deleted from fake server")
	}
}

func TestCasMultiStaleTokenReportsKeyExists(t *testing.T) {
	s1 := startFakeServer(t)
	e, cleanup := newTestEngine(t, s1)
	defer cleanup()

	setResults, err := e.SetMulti(context.Background(), []SetEntry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	})
	if err != nil {
		t.Fatalf("SetMulti: %v", err)
	}
	if !setResults["a"] || !setResults["b"] {
		t.Fatalf("expected both sets to succeed: %+v", setResults)
	}

	got, err := e.GetMulti(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}

	casResults, err := e.CasMulti(context.Background(), []SetEntry{
		{Key: "a", Value: []byte("1-updated"), CAS: got["a"].CAS},
		{Key: "b", Value: []byte("2-updated"), CAS: got["b"].CAS + 1}, // stale on purpose
	})
	if err != nil {
		t.Fatalf("CasMulti: %v", err)
	}
	if !casResults["a"].Stored {
		t.Fatalf("expected a to store with a fresh CAS token: %+v", casResults["a"])
	}
	if casResults["b"].Stored || casResults["b"].Status != protocol.KeyExists {
		t.Fatalf("expected b to report Key_Exists for a stale token: %+v", casResults["b"])
	}

	got, err = e.GetMulti(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if string(got["a"].Value) != "1-updated" {
		t.Fatalf("expected a updated, got %+v", got["a"])
	}
	if string(got["b"].Value) != "2" {
		t.Fatalf("expected b unchanged after stale CAS, got %+v", got["b"])
	}
}
