package sim

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// OpenFlags translate to host open flags at the real OS boundary.
type OpenFlags int

const (
	OpenReadOnly OpenFlags = 1 << iota
	OpenReadWrite
	OpenCreate
	OpenExclusive
	// OpenAtomicWriteAndCreate gives the file atomic-create-and-write
	// semantics: it lives at <name>.part until the first Sync renames it
	// into place, so a crash before that sync leaves no trace of <name>.
	OpenAtomicWriteAndCreate
)

// SimFile is a simulated file over a real OS handle. The handle is shared:
// two consumers opening the same logical file on one machine get the same
// *SimFile, so both observe crashes identically.
type SimFile struct {
	sim     *Simulator
	machine *Machine

	Filename       string // logical name
	actualFilename string // <name>.part while an atomic write is pending
	flags          OpenFlags
	f              *os.File
	size           int64
}

const (
	faultSiteFileRead = iota
	faultSiteFileWrite
	faultSiteFileSync
	faultSiteFileTruncate
)

// Open opens a simulated file on the calling process's machine. The call
// hops onto the hidden machine-process (so the open-file table mutation
// survives the caller dying mid-open), pays the simulated disk open cost,
// then performs the real OS open with flag translation.
func (s *Simulator) Open(filename string, flags OpenFlags, mode os.FileMode) (*SimFile, error) {
	p := s.current
	if p == nil {
		logrus.Panicf("open outside a simulated thread")
	}
	m := s.machines[p.Locality.ZoneID]
	if err := s.OnMachine(p, TaskDiskIO); err != nil {
		return nil, err
	}
	k := s.Knobs
	if err := s.Delay(k.MinOpenTime+s.rand.Float64()*(k.MaxOpenTime-k.MinOpenTime), TaskDiskIO); err != nil {
		return nil, err
	}

	f, err := s.openOnMachine(m, filename, flags, mode)

	if hopErr := s.OnProcess(p, TaskDiskIO); hopErr != nil {
		return nil, hopErr
	}
	return f, err
}

func (s *Simulator) openOnMachine(m *Machine, filename string, flags OpenFlags, mode os.FileMode) (*SimFile, error) {
	actual := filename
	osFlags := 0
	switch {
	case flags&OpenAtomicWriteAndCreate != 0:
		actual = filename + ".part"
		osFlags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case flags&OpenReadWrite != 0:
		osFlags = os.O_RDWR
	default:
		osFlags = os.O_RDONLY
	}
	if flags&OpenCreate != 0 {
		osFlags |= os.O_CREATE
	}
	if flags&OpenExclusive != 0 {
		osFlags |= os.O_EXCL
	}

	// The same file-in-progress handed to two consumers returns the same
	// wrapper, so both see crash semantics identically.
	if f, ok := m.openFiles[actual]; ok && flags&OpenExclusive == 0 {
		return f, nil
	}

	s.checkFileLimits()

	host := s.hostPath(actual)
	if osFlags&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
			return nil, err
		}
	}
	fh, err := os.OpenFile(host, osFlags, mode)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	var size int64
	if st, serr := fh.Stat(); serr == nil {
		size = st.Size()
	}
	f := &SimFile{
		sim:            s,
		machine:        m,
		Filename:       filename,
		actualFilename: actual,
		flags:          flags,
		f:              fh,
		size:           size,
	}
	m.openFiles[actual] = f
	s.openFiles++
	s.Metrics.FilesOpened++
	return f, nil
}

// checkFileLimits enforces open-file exhaustion: the soft limit engages
// speed-up and disables connection failures so a pathological run can
// finish, the hard limit aborts it.
func (s *Simulator) checkFileLimits() {
	if s.openFiles == s.Knobs.SoftFileLimit {
		logrus.Warnf("open files hit %d: disabling connection failures, engaging speed-up", s.openFiles)
		s.SetConnectionFailures(false)
		s.SetSpeedUpSimulation(true)
	}
	if s.openFiles >= s.Knobs.HardFileLimit {
		logrus.Panicf("too many open files: %d", s.openFiles)
	}
}

func (s *Simulator) hostPath(name string) string {
	if s.dir == "" {
		return name
	}
	return filepath.Join(s.dir, name)
}

// Size returns the file's current length.
func (f *SimFile) Size() int64 { return f.size }

// Read reads into p at offset, paying the disk cost first.
func (f *SimFile) Read(p []byte, offset int64) (int, error) {
	if err := f.injectedFault(faultSiteFileRead); err != nil {
		return 0, err
	}
	if err := f.sim.waitUntilDiskReady(f.machine.disk, int64(len(p)), false); err != nil {
		return 0, err
	}
	n, err := f.f.ReadAt(p, offset)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Write writes p at offset, paying the disk cost first.
func (f *SimFile) Write(p []byte, offset int64) (int, error) {
	if err := f.injectedFault(faultSiteFileWrite); err != nil {
		return 0, err
	}
	if err := f.sim.waitUntilDiskReady(f.machine.disk, int64(len(p)), false); err != nil {
		return 0, err
	}
	n, err := f.f.WriteAt(p, offset)
	if end := offset + int64(n); end > f.size {
		f.size = end
	}
	return n, err
}

// Truncate resizes the file.
func (f *SimFile) Truncate(size int64) error {
	if err := f.injectedFault(faultSiteFileTruncate); err != nil {
		return err
	}
	if err := f.sim.waitUntilDiskReady(f.machine.disk, 0, false); err != nil {
		return err
	}
	if err := f.f.Truncate(size); err != nil {
		return err
	}
	f.size = size
	return nil
}

// Sync makes prior writes durable. For a file opened with
// atomic-create-and-write this is the commit point: the open-file map
// entry moves from <name>.part to <name> via a host rename. The
// destination must not already be in the map.
func (f *SimFile) Sync() error {
	if err := f.injectedFault(faultSiteFileSync); err != nil {
		return err
	}
	if err := f.sim.waitUntilDiskReady(f.machine.disk, 0, true); err != nil {
		return err
	}
	if f.actualFilename != f.Filename {
		if _, occupied := f.machine.openFiles[f.Filename]; occupied {
			logrus.Panicf("atomic rename target %s already open on machine %s", f.Filename, f.machine.ZoneID)
		}
		if err := os.Rename(f.sim.hostPath(f.actualFilename), f.sim.hostPath(f.Filename)); err != nil {
			return err
		}
		delete(f.machine.openFiles, f.actualFilename)
		f.machine.openFiles[f.Filename] = f
		f.actualFilename = f.Filename
	}
	return f.f.Sync()
}

// Close releases the caller's handle. The open-file table entry survives:
// it represents the file on the machine, and other holders may share it.
func (f *SimFile) Close() error {
	return nil
}

func (f *SimFile) injectedFault(site int) error {
	if !f.sim.InjectFault("file.go", site) {
		return nil
	}
	f.sim.Metrics.FaultsInjected++
	if f.sim.current.rng.Float64() < 0.5 {
		return ErrIOTimeout
	}
	return ErrIOError
}

// dropHostFile closes and unlinks the backing host file. Used when a kill
// wipes data folders or discards an un-synced atomic write.
func (f *SimFile) dropHostFile() {
	_ = f.f.Close()
	_ = os.Remove(f.sim.hostPath(f.actualFilename))
	if f.sim.openFiles > 0 {
		f.sim.openFiles--
	}
}

// dropAtomicPending discards every un-synced atomic write on the machine:
// the .part entry vanishes from the open-file table and the host file is
// unlinked, so after a crash the target name was never created.
func (s *Simulator) dropAtomicPending(m *Machine) {
	for name, f := range m.openFiles {
		if strings.HasSuffix(f.actualFilename, ".part") {
			f.dropHostFile()
			delete(m.openFiles, name)
		}
	}
}

// DeleteFile removes a file from the calling process's machine. The
// open-file table entry goes immediately; the host unlink runs after a
// short delay when the delete must be durable, and on a coin flip
// otherwise; a non-durable delete can be lost to a crash.
func (s *Simulator) DeleteFile(path string, mustBeDurable bool) error {
	p := s.current
	if p == nil {
		logrus.Panicf("delete outside a simulated thread")
	}
	m := s.machines[p.Locality.ZoneID]
	if f, ok := m.openFiles[path]; ok {
		delete(m.openFiles, path)
		_ = f.f.Close()
		if s.openFiles > 0 {
			s.openFiles--
		}
	}
	if mustBeDurable || s.rand.Float64() < 0.5 {
		host := s.hostPath(path)
		s.schedule(s.Now()+0.05*s.rand.Float64(), TaskDiskIO, m.machineProcess, func() {
			_ = os.Remove(host)
		})
	}
	return nil
}
