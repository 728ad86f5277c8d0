package sim

import (
	"fmt"

	"github.com/google/uuid"
)

// Endpoint is a virtual network address: IPv4 address, port, TLS bit, and a
// run-stable UID. Endpoints are comparable and key the process registry.
type Endpoint struct {
	IP   string
	Port int
	TLS  bool
	UID  uuid.UUID
}

func (e Endpoint) String() string {
	suffix := ""
	if e.TLS {
		suffix = ":tls"
	}
	return fmt.Sprintf("%s:%d%s", e.IP, e.Port, suffix)
}

// NewEndpoint builds an endpoint whose UID is a deterministic function of
// (seed, ip, port, tls), so the same address carries the same UID across
// replays of one seed.
func (s *Simulator) NewEndpoint(ip string, port int, tls bool) Endpoint {
	name := fmt.Sprintf("%s/%s:%d/%v", s.seedTag(), ip, port, tls)
	return Endpoint{IP: ip, Port: port, TLS: tls, UID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))}
}

// Locality places a process in the failure-domain hierarchy. ZoneID is
// required for every real process; the other fields are optional.
type Locality struct {
	DcID       string
	ZoneID     string
	DataHallID string
	MachineID  string
}

// Fields returns the locality as a field map for policy evaluation.
// Absent fields are omitted.
func (l Locality) Fields() map[string]string {
	m := make(map[string]string, 4)
	if l.DcID != "" {
		m["dcid"] = l.DcID
	}
	if l.ZoneID != "" {
		m["zoneid"] = l.ZoneID
	}
	if l.DataHallID != "" {
		m["data_hall"] = l.DataHallID
	}
	if l.MachineID != "" {
		m["machineid"] = l.MachineID
	}
	return m
}

func (l Locality) String() string {
	return fmt.Sprintf("dc=%s zone=%s", l.DcID, l.ZoneID)
}
