package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileSim(t *testing.T, seed int64) *Simulator {
	t.Helper()
	s := NewSimulator(Config{Seed: seed, Dir: t.TempDir()})
	s.SetConnectionFailures(false)
	return s
}

func TestOpen_PaysSimulatedOpenCost(t *testing.T) {
	// GIVEN a thread opening a fresh file
	s := newFileSim(t, 1)
	p1, _ := twoProcesses(s)
	var openedAt float64
	s.Spawn(p1, "opener", func() error {
		_, err := s.Open("a", OpenReadWrite|OpenCreate, 0o644)
		if err != nil {
			return err
		}
		openedAt = s.Now()
		return nil
	})

	// WHEN the simulation runs
	s.Run()

	// THEN the open consumed at least the minimum simulated open time
	if openedAt < s.Knobs.MinOpenTime {
		t.Errorf("open finished at %v, want >= %v", openedAt, s.Knobs.MinOpenTime)
	}
}

func TestOpen_MissingFileIsFileNotFound(t *testing.T) {
	// GIVEN a read-only open of a file that was never created
	s := newFileSim(t, 1)
	p1, _ := twoProcesses(s)
	var err error
	s.Spawn(p1, "opener", func() error {
		_, err = s.Open("missing", OpenReadOnly, 0)
		return nil
	})

	// WHEN the simulation runs
	s.Run()

	// THEN the open failed with the simulator's closed error kind
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestOpen_SharedHandleOnOneMachine(t *testing.T) {
	// GIVEN two processes on one machine opening the same logical file
	s := newFileSim(t, 1)
	p1 := s.NewProcess("p1", "10.0.0.1", 1, Locality{ZoneID: "z1"}, "test", "", "")
	p2 := s.NewProcess("p2", "10.0.0.1", 2, Locality{ZoneID: "z1"}, "test", "", "")
	var f1, f2 *SimFile
	s.Spawn(p1, "open1", func() error {
		var err error
		f1, err = s.Open("shared", OpenReadWrite|OpenCreate, 0o644)
		return err
	})
	s.Spawn(p2, "open2", func() error {
		if err := s.Delay(1.0, TaskDefaultDelay); err != nil {
			return err
		}
		var err error
		f2, err = s.Open("shared", OpenReadWrite|OpenCreate, 0o644)
		return err
	})

	// WHEN the simulation runs
	s.Run()

	// THEN both consumers share the same underlying wrapper
	require.NotNil(t, f1)
	assert.Same(t, f1, f2)
}

func TestFile_WriteReadRoundTrip(t *testing.T) {
	// GIVEN a file with content written at an offset
	s := newFileSim(t, 3)
	p1, _ := twoProcesses(s)
	var got []byte
	s.Spawn(p1, "rw", func() error {
		f, err := s.Open("data", OpenReadWrite|OpenCreate, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write([]byte("hello disk"), 0); err != nil {
			return err
		}
		got = make([]byte, 10)
		if _, err := f.Read(got, 0); err != nil {
			return err
		}
		return nil
	})

	// WHEN the simulation runs
	s.Run()

	// THEN the content round-tripped
	assert.Equal(t, []byte("hello disk"), got)
}

func TestAtomicWrite_TargetInvisibleBeforeSync(t *testing.T) {
	// GIVEN "foo" opened atomic-create-and-write with bytes written
	s := newFileSim(t, 5)
	p1 := s.NewProcess("p1", "10.0.0.1", 1, Locality{ZoneID: "z1"}, "test", "", "")
	p2 := s.NewProcess("p2", "10.0.0.1", 2, Locality{ZoneID: "z1"}, "test", "", "")
	var readErr error
	var synced bool
	s.Spawn(p1, "writer", func() error {
		f, err := s.Open("foo", OpenAtomicWriteAndCreate, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write([]byte("v1"), 0); err != nil {
			return err
		}
		// WHEN another process opens the target name before any sync
		if err := s.OnProcess(p2, TaskDefaultOnMain); err != nil {
			return err
		}
		_, readErr = s.Open("foo", OpenReadOnly, 0)
		if err := s.OnProcess(p1, TaskDefaultOnMain); err != nil {
			return err
		}
		// AND the writer then syncs
		if err := f.Sync(); err != nil {
			return err
		}
		synced = true
		return nil
	})
	s.Run()

	// THEN the pre-sync open failed with file_not_found
	assert.ErrorIs(t, readErr, ErrFileNotFound)

	// AND after sync the file sits at its target name, not at .part
	require.True(t, synced)
	if _, err := os.Stat(filepath.Join(s.dir, "foo")); err != nil {
		t.Errorf("foo missing after sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, "foo.part")); !os.IsNotExist(err) {
		t.Errorf("foo.part still present after sync")
	}
	m := s.GetMachineByID("z1")
	_, atTarget := m.openFiles["foo"]
	_, atPart := m.openFiles["foo.part"]
	assert.True(t, atTarget)
	assert.False(t, atPart)
}

func TestAtomicWrite_CrashDiscardsPendingFile(t *testing.T) {
	// GIVEN "foo" opened atomic, written, never synced
	s := newFileSim(t, 5)
	p1 := s.NewProcess("p1", "10.0.0.1", 1, Locality{ZoneID: "z1"}, "test", "", "")
	p2 := s.NewProcess("p2", "10.0.0.1", 2, Locality{ZoneID: "z1"}, "test", "", "")
	var readErr error
	ran := false
	s.Spawn(p1, "writer", func() error {
		f, err := s.Open("foo", OpenAtomicWriteAndCreate, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write([]byte("v1"), 0); err != nil {
			return err
		}
		// WHEN the process is killed instantly
		s.KillProcess(p1, KillInstantly)
		return s.Delay(1.0, TaskDefaultDelay) // never resumes
	})
	s.Spawn(p2, "reader", func() error {
		if err := s.Delay(5.0, TaskDefaultDelay); err != nil {
			return err
		}
		_, readErr = s.Open("foo", OpenReadOnly, 0)
		ran = true
		return nil
	})
	s.Run()

	// THEN opening "foo" after the crash fails with file_not_found
	require.True(t, ran)
	assert.ErrorIs(t, readErr, ErrFileNotFound)

	// AND foo.part is gone from the machine's open-file table and disk
	m := s.GetMachineByID("z1")
	_, atPart := m.openFiles["foo.part"]
	assert.False(t, atPart)
	if _, err := os.Stat(filepath.Join(s.dir, "foo.part")); !os.IsNotExist(err) {
		t.Errorf("foo.part survived the crash on disk")
	}
}

func TestDeleteFile_DurableUnlinksHostFile(t *testing.T) {
	// GIVEN a synced file that is then durably deleted
	s := newFileSim(t, 9)
	p1, _ := twoProcesses(s)
	s.Spawn(p1, "deleter", func() error {
		f, err := s.Open("doomed", OpenReadWrite|OpenCreate, 0o644)
		if err != nil {
			return err
		}
		if _, err := f.Write([]byte("x"), 0); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
		return s.DeleteFile("doomed", true)
	})

	// WHEN the simulation runs (the unlink lands after a short delay)
	s.Run()

	// THEN the entry left the table and the host file is gone
	m := s.GetMachineByID("z1")
	_, present := m.openFiles["doomed"]
	assert.False(t, present)
	if _, err := os.Stat(filepath.Join(s.dir, "doomed")); !os.IsNotExist(err) {
		t.Errorf("durably deleted file still on disk")
	}
}

func TestDiskSpace_LazyInitWithinBounds(t *testing.T) {
	// GIVEN a fresh interface
	s := newFileSim(t, 13)
	free, total := s.GetFreeDiskSpace("10.0.0.1")

	// THEN totals land in [5GB, 105GB] with a sane free fraction
	require.GreaterOrEqual(t, total, int64(5e9))
	require.LessOrEqual(t, total, int64(105e9))
	assert.LessOrEqual(t, free, total)
	assert.GreaterOrEqual(t, free, int64(0))
}

func TestDiskTiming_SerializesBehindSharedDeadline(t *testing.T) {
	// GIVEN many writes issued back to back on one machine
	s := newFileSim(t, 17)
	p1, _ := twoProcesses(s)
	var finished float64
	s.Spawn(p1, "writer", func() error {
		f, err := s.Open("busy", OpenReadWrite|OpenCreate, 0o644)
		if err != nil {
			return err
		}
		buf := make([]byte, 1024)
		for i := 0; i < 50; i++ {
			if _, err := f.Write(buf, int64(i*1024)); err != nil {
				return err
			}
		}
		finished = s.Now()
		return nil
	})

	// WHEN the simulation runs
	s.Run()

	// THEN at least 50 op costs were consumed from the shared deadline
	minCost := 50.0 * (1/s.Knobs.DiskIOPS + 1024/s.Knobs.DiskBandwidth)
	if finished < minCost {
		t.Errorf("50 writes finished at %v, want >= %v", finished, minCost)
	}
}
