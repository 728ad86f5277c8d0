package sim

// DiskParameters models one machine's disk: an IOPS/bandwidth budget
// consumed through a shared deadline. Concurrent I/O serializes behind
// NextOperation, so a burst of operations spreads out in virtual time.
type DiskParameters struct {
	IOPS          float64 // operations per second
	Bandwidth     float64 // bytes per second
	NextOperation float64 // virtual-time deadline of the last queued op
}

func newDiskParameters(iops, bandwidth float64) *DiskParameters {
	return &DiskParameters{IOPS: iops, Bandwidth: bandwidth}
}

// waitUntilDiskReady consumes 1/iops + size/bandwidth from the shared disk
// deadline, then adds a random completion latency: sync operations pay a
// 5ms floor plus up to 10ms (a full second under buggify), async ones a
// small multiple of the op cost.
func (s *Simulator) waitUntilDiskReady(d *DiskParameters, size int64, sync bool) error {
	if s.speedUp {
		return s.Delay(0.0001, TaskDiskIO)
	}
	now := s.Now()
	if d.NextOperation < now {
		d.NextOperation = now
	}
	d.NextOperation += 1/d.IOPS + float64(size)/d.Bandwidth
	var extra float64
	if sync {
		spread := 0.010
		if s.buggify {
			spread = 1.0
		}
		extra = 0.005 + s.rand.Float64()*spread
	} else {
		extra = 10 * s.rand.Float64() / d.IOPS
	}
	return s.Delay(d.NextOperation-now+extra, TaskDiskIO)
}

// diskSpace is the per-ip free-space model, lazily initialized on first
// query and drifting slowly between queries.
type diskSpace struct {
	total      float64
	baseFree   float64
	lastUpdate float64
}

// GetFreeDiskSpace returns (free, total) bytes for an interface. Free
// space is the drifting base minus the bytes held by open files on the
// machine.
func (s *Simulator) GetFreeDiskSpace(ip string) (int64, int64) {
	used := float64(s.openFileBytes(ip))
	ds := s.diskSpace[ip]
	if ds == nil {
		total := 5e9 + s.rand.Float64()*100e9
		minFree := 0.075 * total
		if minFree < 5e9 {
			minFree = 5e9
		}
		minFree += used
		ds = &diskSpace{
			total:      total,
			baseFree:   minFree + s.rand.Float64()*(total-minFree),
			lastUpdate: s.Now(),
		}
		s.diskSpace[ip] = ds
	} else {
		elapsed := s.Now() - ds.lastUpdate
		if elapsed > 5 {
			elapsed = 5
		}
		drift := elapsed * 1e6
		if s.buggify {
			drift *= 10
		}
		ds.baseFree += (s.rand.Float64()*2 - 1) * drift
		if ds.baseFree > ds.total {
			ds.baseFree = ds.total
		}
		if ds.baseFree < 0 {
			ds.baseFree = 0
		}
		ds.lastUpdate = s.Now()
	}
	free := ds.baseFree - used
	if free < 0 {
		free = 0
	}
	return int64(free), int64(ds.total)
}

// openFileBytes sums the sizes of open files on machines bound to ip.
func (s *Simulator) openFileBytes(ip string) int64 {
	var total int64
	for _, m := range s.machinesSorted() {
		if len(m.Processes) == 0 || m.Processes[0].Addr.IP != ip {
			continue
		}
		for _, f := range m.openFiles {
			total += f.size
		}
	}
	return total
}
