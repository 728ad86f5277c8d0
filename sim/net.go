package sim

import (
	"github.com/sirupsen/logrus"
)

// Listener accepts incoming simulated connections on one endpoint.
type Listener struct {
	sim     *Simulator
	proc    *Process
	addr    Endpoint
	backlog []*Conn
	waiters []*signal
	closed  bool
}

// Listen binds a listener to addr. The address must belong to the calling
// process; binding a foreign or already-bound address is a protocol
// violation.
func (s *Simulator) Listen(addr Endpoint) (*Listener, error) {
	p := s.current
	if p == nil || p.Addr != addr {
		logrus.Panicf("listen on %s from process %v", addr, p)
	}
	if _, dup := s.listeners[addr]; dup {
		logrus.Panicf("duplicate listener on %s", addr)
	}
	l := &Listener{sim: s, proc: p, addr: addr}
	s.listeners[addr] = l
	return l, nil
}

// Addr returns the listening endpoint.
func (l *Listener) Addr() Endpoint { return l.addr }

// Accept suspends until an incoming connection arrives.
func (l *Listener) Accept() (*Conn, error) {
	for {
		if l.closed {
			return nil, ErrConnectionFailed
		}
		if len(l.backlog) > 0 {
			c := l.backlog[0]
			l.backlog = l.backlog[1:]
			return c, nil
		}
		sg := l.sim.newSignal(l.proc)
		l.waiters = append(l.waiters, sg)
		if err := l.sim.wait(sg); err != nil {
			return nil, err
		}
	}
}

// Close unbinds the listener.
func (l *Listener) Close() {
	l.closed = true
	delete(l.sim.listeners, l.addr)
	for _, sg := range l.waiters {
		l.sim.fire(sg, ErrConnectionFailed, 0, TaskAcceptSocket)
	}
	l.waiters = nil
}

// deliver hands an incoming connection to the backlog and wakes one
// accepter.
func (l *Listener) deliver(c *Conn) {
	l.backlog = append(l.backlog, c)
	if len(l.waiters) > 0 {
		sg := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.sim.fire(sg, nil, 0, TaskAcceptSocket)
	}
}

// Connect opens a connection pair to a listening address. While the
// address is unbound the caller polls every 0.1*U(0,1) virtual seconds.
// Both sides observe an independent handshake latency of 0.5*U(0,1); if
// the callee goes away in that window, half the time the connect simply
// hangs until the caller is killed, the other half it fails.
func (s *Simulator) Connect(to Endpoint) (*Conn, error) {
	p := s.current
	if p == nil {
		logrus.Panicf("connect outside a simulated thread")
	}
	var callee *Process
	for {
		callee = s.addrs[to]
		if callee != nil && s.listeners[to] != nil {
			break
		}
		if err := s.Delay(0.1*s.rand.Float64(), TaskDefaultDelay); err != nil {
			return nil, err
		}
	}

	local, remote := s.newConnPair(p, callee)
	local.opened = true

	s.schedule(s.Now()+0.5*s.rand.Float64(), TaskAcceptSocket, callee, func() {
		l := s.listeners[to]
		if l == nil || callee.Failed {
			return
		}
		remote.opened = true
		l.deliver(remote)
	})

	if err := s.Delay(0.5*s.rand.Float64(), TaskDefaultDelay); err != nil {
		return nil, err
	}
	if callee.Failed || s.addrs[to] != callee {
		if s.rand.Float64() < 0.5 {
			// Silently vanish: block until the caller itself dies.
			err := s.wait(s.newSignal(p))
			local.Close()
			return nil, err
		}
		local.Close()
		return nil, ErrConnectionFailed
	}
	logrus.Debugf("[t=%.6f] %s connected to %s", s.Now(), p.Addr, to)
	return local, nil
}
