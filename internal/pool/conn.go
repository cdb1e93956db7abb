package pool

import (
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Conn wraps a single established transport session. The pool only cares
// about the key the connection was built for and whether it is still open;
// everything the caller does with the stream goes through NetConn.
type Conn struct {
	netConn net.Conn
	key     string
	id      string

	createdAt time.Time
	usedAt    atomic.Int64 // unix nano

	closed atomic.Bool

	// handedOut is true while the connection is held by a caller. It guards
	// against a connection being released into the pool twice.
	handedOut atomic.Bool
}

func NewConn(netConn net.Conn, key string) *Conn {
	cn := &Conn{
		netConn:   netConn,
		key:       key,
		id:        uuid.NewString(),
		createdAt: time.Now(),
	}
	cn.SetUsedAt(cn.createdAt)
	return cn
}

// Key reports the key the connection was built for. Immutable.
func (cn *Conn) Key() string {
	return cn.key
}

// ID is a unique identifier used in log lines.
func (cn *Conn) ID() string {
	return cn.id
}

func (cn *Conn) NetConn() net.Conn {
	return cn.netConn
}

func (cn *Conn) CreatedAt() time.Time {
	return cn.createdAt
}

func (cn *Conn) UsedAt() time.Time {
	return time.Unix(0, cn.usedAt.Load())
}

func (cn *Conn) SetUsedAt(tm time.Time) {
	cn.usedAt.Store(tm.UnixNano())
}

// IsOpen reports whether the connection is still usable. A connection may
// stop being open at any time (peer close, network error); the pool
// discovers this lazily, it does not prevent it.
func (cn *Conn) IsOpen() bool {
	if cn.closed.Load() {
		return false
	}
	return connCheck(cn.netConn) == nil
}

// Close is idempotent: the first call closes the transport, later calls are
// no-ops.
func (cn *Conn) Close() error {
	if !cn.closed.CompareAndSwap(false, true) {
		return nil
	}
	return cn.netConn.Close()
}

// handOut marks the connection as held by a caller.
func (cn *Conn) handOut() {
	cn.handedOut.Store(true)
}

// beginRelease consumes the hand-out. It returns false if the connection
// was never handed out or was already released, in which case the release
// must be ignored.
func (cn *Conn) beginRelease() bool {
	return cn.handedOut.CompareAndSwap(true, false)
}
