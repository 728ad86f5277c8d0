package sim

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

// The echo workload drives random reads and writes over the simulated
// network: every process runs an echo server, and traffic threads connect
// to random peers, push a random payload, and check it comes back intact.
// It exists to exercise the substrate, not to model a database.

// StartEchoServer accepts connections on p's address and echoes every
// byte back to the sender.
func (s *Simulator) StartEchoServer(p *Process) {
	s.Spawn(p, "echo-server", func() error {
		l, err := s.Listen(p.Addr)
		if err != nil {
			return err
		}
		for {
			c, err := l.Accept()
			if err != nil {
				return err
			}
			conn := c
			s.Spawn(p, "echo-conn", func() error {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					if err := conn.WaitReadable(); err != nil {
						return nil
					}
					n, err := conn.Read(buf)
					if err != nil {
						return nil
					}
					if err := writeAll(conn, buf[:n]); err != nil {
						return nil
					}
					if err := s.Yield(TaskDefaultYield); err != nil {
						return err
					}
				}
			})
		}
	})
}

// StartRandomTraffic runs a traffic thread on p until the deadline: pick a
// random target, send a random payload, read the echo back, verify it.
func (s *Simulator) StartRandomTraffic(p *Process, targets []Endpoint, deadline float64) {
	var others []Endpoint
	for _, t := range targets {
		if t != p.Addr {
			others = append(others, t)
		}
	}
	if len(others) == 0 {
		return
	}
	rng := s.streams.workload
	s.Spawn(p, "traffic", func() error {
		for s.Now() < deadline {
			target := others[rng.Intn(len(others))]
			payload := make([]byte, 1+rng.Intn(2048))
			for i := range payload {
				payload[i] = byte(rng.Intn(256))
			}
			if err := s.echoOnce(p, target, payload); err != nil {
				// Connection trouble is part of the exercise; try again.
				logrus.Debugf("traffic from %s to %s: %v", p.Addr, target, err)
			}
			if err := s.Delay(0.1*rng.Float64(), TaskDefaultDelay); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Simulator) echoOnce(p *Process, target Endpoint, payload []byte) error {
	c, err := s.Connect(target)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := writeAll(c, payload); err != nil {
		return err
	}
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(got) < len(payload) {
		if err := c.WaitReadable(); err != nil {
			return err
		}
		n, err := c.Read(buf)
		if err != nil {
			return err
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, payload) {
		logrus.Errorf("SevError: echo mismatch from %s: wrote %d bytes, got different content", target, len(payload))
		return ErrConnectionFailed
	}
	return nil
}

func writeAll(c *Conn, data []byte) error {
	for len(data) > 0 {
		if err := c.WaitWritable(); err != nil {
			return err
		}
		n, err := c.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
