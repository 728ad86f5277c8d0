package sim

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/detsim/detsim/sim/trace"
)

// Conn is one endpoint of a simulated point-to-point connection pair. Each
// endpoint owns the receive side of its incoming byte stream: recvBuf holds
// bytes written by the peer but not yet read, and the four monotonic
// counters track that stream's progress. The invariant
// read <= received <= sent <= written holds on each side at every
// observable instant.
//
// The pair is shared between its two processes; its lifetime is the longest
// holder's.
type Conn struct {
	sim  *Simulator
	proc *Process
	uid  uuid.UUID

	peer     *Conn
	peerAddr Endpoint

	recvBuf       []byte // incoming bytes written but not yet read
	readBytes     int64  // consumed by the local reader
	receivedBytes int64  // delivered through the latency model
	sentBytes     int64  // acknowledged by the simulated TCP stack
	writtenBytes  int64  // appended by the peer's Write

	// sendBufSize bounds writtenBytes - receivedBytes: the peer may not
	// write faster than this side's buffer drains.
	sendBufSize int64

	opened         bool
	closedByCaller bool
	peerGone       bool    // the far side released its reference
	leakDeadline   float64 // 0 = no tracker armed

	senderBusy   bool
	receiverBusy bool

	readableWaiters []*signal
	writableWaiters []*signal // woken when this side's receivedBytes moves
}

// newConnPair builds both endpoints and installs the pair's permanent
// latency and per-side send buffers. Every one-way direction gets its own
// latency cache entry; the buffer is sized so a full latency window of
// bytes fits in flight.
func (s *Simulator) newConnPair(caller, callee *Process) (*Conn, *Conn) {
	s.connSeq++
	mk := func(p *Process, tag string) *Conn {
		name := fmt.Sprintf("%s/conn-%d-%s", s.seedTag(), s.connSeq, tag)
		return &Conn{
			sim:  s,
			proc: p,
			uid:  uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		}
	}
	local, remote := mk(caller, "l"), mk(callee, "r")
	local.peer, remote.peer = remote, local
	local.peerAddr, remote.peerAddr = callee.Addr, caller.Addr

	for _, c := range []*Conn{local, remote} {
		latency := s.clog.setPairLatencyIfNotSet(c.peer.proc.Addr.IP, c.proc.Addr.IP,
			s.Knobs.MaxClogLatency*s.rand.Float64())
		bufSize := float64(s.rand.Int63n(5000000))
		if min := 25e6 * (latency + .002); min > bufSize {
			bufSize = min
		}
		c.sendBufSize = int64(bufSize)
		logrus.Debugf("connection %s<->%s sendBuf=%d latency=%.6f", c.proc.Addr, c.peerAddr, c.sendBufSize, latency)
	}

	caller.conns[local] = struct{}{}
	callee.conns[remote] = struct{}{}
	s.Metrics.ConnectionsOpened++
	return local, remote
}

// PeerAddr returns the address of the other end of the connection. For an
// incoming connection this may not be an address one can connect to.
func (c *Conn) PeerAddr() Endpoint { return c.peerAddr }

// LocalAddr returns the owning process's address.
func (c *Conn) LocalAddr() Endpoint { return c.proc.Addr }

func (c *Conn) isPeerGone() bool {
	return c.peerGone || c.peer == nil || c.peer.proc.Failed
}

// availableSendBufferForPeer is how many more bytes the peer may write
// before this side's buffer is full.
func (c *Conn) availableSendBufferForPeer() int64 {
	return c.sendBufSize - (c.writtenBytes - c.receivedBytes)
}

func (c *Conn) checkInvariant() {
	if !(c.readBytes <= c.receivedBytes && c.receivedBytes <= c.sentBytes && c.sentBytes <= c.writtenBytes) {
		logrus.Panicf("connection byte invariant violated: read=%d received=%d sent=%d written=%d",
			c.readBytes, c.receivedBytes, c.sentBytes, c.writtenBytes)
	}
}

// Outgoing-stream counters, observed on the peer's receive side.

// Written returns bytes accepted from this side's Write calls.
func (c *Conn) Written() int64 {
	if c.peer == nil {
		return 0
	}
	return c.peer.writtenBytes
}

// Sent returns outgoing bytes acknowledged by the simulated TCP stack.
func (c *Conn) Sent() int64 {
	if c.peer == nil {
		return 0
	}
	return c.peer.sentBytes
}

// Received returns outgoing bytes delivered through the latency model.
func (c *Conn) Received() int64 {
	if c.peer == nil {
		return 0
	}
	return c.peer.receivedBytes
}

// ReadCount returns incoming bytes the local reader has consumed.
func (c *Conn) ReadCount() int64 { return c.readBytes }

// Write appends as many bytes as the peer's receive buffer allows and
// returns the number written (possibly 0). Must be called on the owning
// process's context.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.rollRandomClose(); err != nil {
		return 0, err
	}
	if c.closedByCaller {
		return 0, ErrConnectionFailed
	}
	if c.isPeerGone() {
		// Peer went away; bytes silently vanish, as on a real half-open
		// socket before the RST arrives.
		return len(p), nil
	}
	toSend := int64(len(p))
	if avail := c.peer.availableSendBufferForPeer(); toSend > avail {
		toSend = avail
	}
	if toSend < 0 {
		toSend = 0
	}
	c.peer.recvBuf = append(c.peer.recvBuf, p[:toSend]...)
	c.peer.writtenBytes += toSend
	c.peer.checkInvariant()
	c.sim.Metrics.BytesWritten += toSend
	c.peer.kickSender()
	return int(toSend), nil
}

// kickSender models TCP send completion: after a short delay, observed on
// the writing process's context, sentBytes catches up to writtenBytes.
func (c *Conn) kickSender() {
	if c.senderBusy || c.sentBytes == c.writtenBytes || c.peer == nil {
		return
	}
	c.senderBusy = true
	s := c.sim
	s.schedule(s.Now()+.002*s.rand.Float64(), TaskWriteSocket, c.peer.proc, func() {
		c.senderBusy = false
		if c.proc.Failed {
			return
		}
		c.sentBytes = c.writtenBytes
		c.checkInvariant()
		c.kickReceiver()
		c.kickSender()
	})
}

// kickReceiver drives one delivery hop: pick a position (the full sent
// watermark half the time, a partial packet otherwise), cross the outbound
// half-latency on the writer's context, hop to the receiver's context,
// cross the inbound delay, then publish the bytes.
func (c *Conn) kickReceiver() {
	if c.receiverBusy || c.sentBytes == c.receivedBytes || c.peer == nil {
		return
	}
	c.receiverBusy = true
	s := c.sim
	var pos int64
	if s.rand.Float64() < .5 {
		pos = c.sentBytes
	} else {
		pos = c.receivedBytes + 1 + s.rand.Int63n(c.sentBytes-c.receivedBytes)
	}
	from, to := c.peerAddr, c.proc.Addr
	sendDelay := s.clog.getSendDelay(from, to)
	writerProc := c.peer.proc
	s.schedule(s.Now()+sendDelay, TaskReadSocket, writerProc, func() {
		recvDelay := s.clog.getRecvDelay(from, to)
		s.schedule(s.Now()+recvDelay, TaskReadSocket, c.proc, func() {
			c.receiverBusy = false
			if c.proc.Failed {
				return
			}
			s.Metrics.BytesDelivered += pos - c.receivedBytes
			c.receivedBytes = pos
			c.checkInvariant()
			c.fireReadable(nil)
			c.fireWritable(nil)
			c.kickReceiver()
		})
	})
}

// Read pulls as many bytes as possible into p and returns the count,
// possibly 0. Must be called on the owning process's context.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.rollRandomClose(); err != nil {
		return 0, err
	}
	if c.closedByCaller {
		return 0, ErrConnectionFailed
	}
	avail := c.receivedBytes - c.readBytes
	n := int64(len(p))
	if n > avail {
		n = avail
	}
	copy(p, c.recvBuf[:n])
	c.recvBuf = c.recvBuf[n:]
	c.readBytes += n
	c.checkInvariant()
	c.sim.Metrics.BytesRead += n
	return int(n), nil
}

// WaitReadable suspends until at least one byte is readable or the
// connection dies. Bytes already delivered remain readable after the peer
// goes away.
func (c *Conn) WaitReadable() error {
	for {
		if c.closedByCaller {
			return ErrConnectionFailed
		}
		if c.receivedBytes > c.readBytes {
			return nil
		}
		if c.isPeerGone() {
			return ErrConnectionFailed
		}
		sg := c.sim.newSignal(c.proc)
		c.readableWaiters = append(c.readableWaiters, sg)
		if err := c.sim.wait(sg); err != nil {
			return err
		}
	}
}

// WaitWritable suspends until the peer's buffer has room or the peer is
// gone.
func (c *Conn) WaitWritable() error {
	for {
		if c.closedByCaller {
			return ErrConnectionFailed
		}
		if c.isPeerGone() {
			return nil
		}
		if c.peer.availableSendBufferForPeer() > 0 {
			return nil
		}
		sg := c.sim.newSignal(c.proc)
		c.peer.writableWaiters = append(c.peer.writableWaiters, sg)
		if err := c.sim.wait(sg); err != nil {
			return err
		}
	}
}

func (c *Conn) fireReadable(err error) {
	waiters := c.readableWaiters
	c.readableWaiters = nil
	for _, sg := range waiters {
		c.sim.fire(sg, err, 0, TaskReadSocket)
	}
}

func (c *Conn) fireWritable(err error) {
	waiters := c.writableWaiters
	c.writableWaiters = nil
	for _, sg := range waiters {
		c.sim.fire(sg, err, 0, TaskWriteSocket)
	}
}

// rollRandomClose fails a tiny fraction of reads and writes while
// connection failures are enabled. One roll may close either or both
// directions, and only sometimes surfaces the failure inline.
func (c *Conn) rollRandomClose() error {
	s := c.sim
	if !s.connFailures || s.rand.Float64() >= .00001 {
		return nil
	}
	a, b := s.rand.Float64(), s.rand.Float64()
	logrus.Infof("[t=%.6f] simulated connection failure %s<->%s (sendClosed=%v recvClosed=%v explicit=%v)",
		s.Now(), c.proc.Addr, c.peerAddr, a > .33, a < .66, b < .3)
	if a < .66 && c.peer != nil {
		c.peer.closeInternal(false)
	}
	if a > .33 {
		c.closeInternal(false)
	}
	if b < .3 {
		return ErrConnectionFailed
	}
	return nil
}

// Close releases the caller's reference; the peer observes the loss and
// the leak tracker is disarmed.
func (c *Conn) Close() {
	c.closedByCaller = true
	c.closeInternal(true)
}

// closeInternal severs this side. The far side gets a leak timer: if it is
// still held when the timer expires, a severe event is reported, which
// catches leaked-reference bugs in the code under test.
func (c *Conn) closeInternal(byCaller bool) {
	if c.peer != nil {
		c.peer.peerClosed()
		c.peer = nil
		c.sim.Metrics.ConnectionsClosed++
		c.sim.Trace.RecordClose(trace.CloseRecord{
			Time:     c.sim.Now(),
			Conn:     c.uid.String(),
			Local:    c.proc.Addr.String(),
			Peer:     c.peerAddr.String(),
			ByCaller: byCaller,
		})
	}
	delete(c.proc.conns, c)
	c.fireReadable(ErrConnectionFailed)
	c.fireWritable(ErrConnectionFailed)
}

func (c *Conn) peerClosed() {
	c.peerGone = true
	c.fireReadable(nil)
	c.fireWritable(nil)
	if c.leakDeadline > 0 || c.closedByCaller {
		return
	}
	s := c.sim
	c.leakDeadline = s.Now() + s.Knobs.LeakedConnectionTimeout
	s.schedule(c.leakDeadline, TaskDefaultDelay, c.proc, func() {
		if !c.closedByCaller {
			logrus.Errorf("SevError: connection_leaked %s held after peer %s closed", c.proc.Addr, c.peerAddr)
			s.Metrics.ConnectionsLeaked++
		}
	})
}
