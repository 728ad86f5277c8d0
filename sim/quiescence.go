package sim

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// ClusterStats are the six scalars the quiescence probe polls from the
// master worker: in-flight data movement, the deepest tlog and storage
// queues, the data-distribution queue, and the two liveness flags.
type ClusterStats struct {
	DataInFlight           int64 `json:"data_in_flight"`
	MaxTLogQueue           int64 `json:"max_tlog_queue"`
	DataDistributionQueue  int64 `json:"data_distribution_queue"`
	MaxStorageQueue        int64 `json:"max_storage_queue"`
	DataDistributionActive bool  `json:"data_distribution_active"`
	StorageRecruiting      bool  `json:"storage_recruiting"`
}

// QuiescenceGates are the thresholds each scalar must be at or under for a
// pass to count as quiet.
type QuiescenceGates struct {
	DataInFlight          int64
	MaxTLogQueue          int64
	MaxStorageQueue       int64
	DataDistributionQueue int64
}

// DefaultQuiescenceGates returns the standard gate values.
func DefaultQuiescenceGates() QuiescenceGates {
	return QuiescenceGates{
		DataInFlight:    2e6,
		MaxTLogQueue:    5e6,
		MaxStorageQueue: 5e6,
	}
}

// The probe's wire protocol: one attribute name per request line, one JSON
// response line per request. Booleans ride as 0/1.
var statAttributes = []string{
	"data_in_flight",
	"max_tlog_queue",
	"data_distribution_queue",
	"max_storage_queue",
	"data_distribution_active",
	"storage_recruiting",
}

type attrResponse struct {
	Value float64 `json:"value"`
	Error string  `json:"error,omitempty"`
}

// StartStatsResponder serves cluster stats from p's address. source is
// consulted per request; returning an error yields transient
// attribute_not_found responses, the way a mid-recovery master answers.
func (s *Simulator) StartStatsResponder(p *Process, source func() (ClusterStats, error)) {
	s.Spawn(p, "stats-responder", func() error {
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
			s.Spawn(p, "stats-conn", func() error {
				defer conn.Close()
				for {
					attr, err := readLine(conn)
					if err != nil {
						return nil // client went away
					}
					resp := buildResponse(attr, source)
					payload, _ := json.Marshal(resp)
					if err := writeLine(conn, string(payload)); err != nil {
						return nil
					}
				}
			})
		}
	})
}

func buildResponse(attr string, source func() (ClusterStats, error)) attrResponse {
	stats, err := source()
	if err != nil {
		return attrResponse{Error: ErrAttributeNotFound.Error()}
	}
	switch attr {
	case "data_in_flight":
		return attrResponse{Value: float64(stats.DataInFlight)}
	case "max_tlog_queue":
		return attrResponse{Value: float64(stats.MaxTLogQueue)}
	case "data_distribution_queue":
		return attrResponse{Value: float64(stats.DataDistributionQueue)}
	case "max_storage_queue":
		return attrResponse{Value: float64(stats.MaxStorageQueue)}
	case "data_distribution_active":
		return attrResponse{Value: boolValue(stats.DataDistributionActive)}
	case "storage_recruiting":
		return attrResponse{Value: boolValue(stats.StorageRecruiting)}
	}
	return attrResponse{Error: ErrAttributeNotFound.Error()}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// WaitForQuiescence polls the master worker until the cluster is quiet:
// every scalar under its gate, data distribution active, storage not
// recruiting, on two consecutive passes one virtual second apart.
// Transient attribute_not_found, timed-out and connection_failed results
// reset the consecutive counter without failing the probe; other errors
// propagate.
func (s *Simulator) WaitForQuiescence(master Endpoint, gates QuiescenceGates) error {
	passes := 0
	for {
		stats, err := s.fetchClusterStats(master)
		switch {
		case err == nil:
			quiet := stats.DataInFlight <= gates.DataInFlight &&
				stats.MaxTLogQueue <= gates.MaxTLogQueue &&
				stats.DataDistributionQueue <= gates.DataDistributionQueue &&
				stats.MaxStorageQueue <= gates.MaxStorageQueue &&
				stats.DataDistributionActive &&
				!stats.StorageRecruiting
			if quiet {
				passes++
				logrus.Debugf("[t=%.6f] quiet pass %d/2", s.Now(), passes)
				if passes >= 2 {
					return nil
				}
			} else {
				logrus.Debugf("[t=%.6f] not quiet: %+v", s.Now(), stats)
				passes = 0
			}
		case errors.Is(err, ErrAttributeNotFound), errors.Is(err, ErrIOTimeout),
			errors.Is(err, ErrConnectionFailed):
			passes = 0
		default:
			return err
		}
		if err := s.Delay(1.0, TaskDefaultDelay); err != nil {
			return err
		}
	}
}

// WaitForQuiescenceWithWatchdog arms a 300-second virtual-time watchdog
// around the probe: a pathological seed that keeps the cluster noisy gets
// its connection failures disabled so the run can terminate.
func (s *Simulator) WaitForQuiescenceWithWatchdog(master Endpoint, gates QuiescenceGates) error {
	p := s.current
	done := false
	s.schedule(s.Now()+300, TaskDefaultDelay, p, func() {
		if !done {
			logrus.Warnf("[t=%.6f] quiescence watchdog fired: disabling connection failures", s.Now())
			s.SetConnectionFailures(false)
		}
	})
	err := s.WaitForQuiescence(master, gates)
	done = true
	return err
}

// fetchClusterStats issues the six attribute requests, each under a
// one-virtual-second timer.
func (s *Simulator) fetchClusterStats(master Endpoint) (ClusterStats, error) {
	var stats ClusterStats
	c, err := s.Connect(master)
	if err != nil {
		return stats, err
	}
	defer c.Close()

	values := make(map[string]float64, len(statAttributes))
	for _, attr := range statAttributes {
		line, err := s.timedRequest(c, attr, 1.0)
		if err != nil {
			return stats, err
		}
		var resp attrResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			return stats, ErrAttributeNotFound
		}
		if resp.Error != "" {
			return stats, ErrAttributeNotFound
		}
		values[attr] = resp.Value
	}
	stats.DataInFlight = int64(values["data_in_flight"])
	stats.MaxTLogQueue = int64(values["max_tlog_queue"])
	stats.DataDistributionQueue = int64(values["data_distribution_queue"])
	stats.MaxStorageQueue = int64(values["max_storage_queue"])
	stats.DataDistributionActive = values["data_distribution_active"] != 0
	stats.StorageRecruiting = values["storage_recruiting"] != 0
	return stats, nil
}

// timedRequest writes one request line and waits for the response line,
// giving up after timeout virtual seconds.
func (s *Simulator) timedRequest(c *Conn, attr string, timeout float64) (string, error) {
	p := s.current
	sg := s.newSignal(p)
	var line string
	var reqErr error
	s.Spawn(p, "probe-request", func() error {
		if err := writeLine(c, attr); err != nil {
			reqErr = err
			s.fire(sg, nil, 0, TaskDefaultDelay)
			return nil
		}
		line, reqErr = readLine(c)
		s.fire(sg, nil, 0, TaskDefaultDelay)
		return nil
	})
	s.schedule(s.Now()+timeout, TaskDefaultDelay, p, func() {
		s.fire(sg, ErrIOTimeout, 0, TaskDefaultDelay)
	})
	if err := s.wait(sg); err != nil {
		return "", err
	}
	return line, reqErr
}

// writeLine pushes one newline-terminated line through the connection,
// waiting for buffer space as needed.
func writeLine(c *Conn, line string) error {
	data := []byte(line + "\n")
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

// readLine pulls bytes one at a time until a newline. Requests on a stats
// connection are strictly sequential, so byte-wise reads cannot straddle
// responses.
func readLine(c *Conn) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		if err := c.WaitReadable(); err != nil {
			return "", err
		}
		n, err := c.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			return sb.String(), nil
		}
		sb.WriteByte(buf[0])
	}
}
