package job

import (
	"time"

	"github.com/gobeaver/vfskit"
)

// ScanInfo is the outcome of the scan phase. It only grows while the scan
// runs and is frozen afterwards.
type ScanInfo struct {
	FileCount int
	Size      int64
	// Failures counts nodes that could not be visited.
	Failures int
}

func (s *ScanInfo) add(size int64) {
	s.FileCount++
	s.Size += size
}

// TransferInfo tracks the transfer phase. FileCount and Size start at the
// scan totals and shrink when nodes are skipped.
type TransferInfo struct {
	Target               vfskit.VirtualPath
	FileCount            int
	Size                 int64
	TransferredFileCount int
	TransferredSize      int64
}

func newTransferInfo(scan ScanInfo, target vfskit.VirtualPath) TransferInfo {
	return TransferInfo{Target: target, FileCount: scan.FileCount, Size: scan.Size}
}

func (t *TransferInfo) addTransferredFile(size int64) {
	t.TransferredFileCount++
	t.TransferredSize += size
}

func (t *TransferInfo) skipFile(size int64) {
	t.FileCount--
	t.Size -= size
}

func (t *TransferInfo) skipFileIgnoringSize() {
	t.FileCount--
}

// Result is the final accounting of a job.
type Result struct {
	Scan     ScanInfo
	Transfer TransferInfo
}

// Throttle lets an event through at most once per interval.
type Throttle struct {
	interval time.Duration
	now      func() time.Time
	last     time.Time
}

// NewThrottle creates a throttle. A nil now means time.Now.
func NewThrottle(interval time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{interval: interval, now: now}
}

// Allow reports whether an event may be emitted now and, if so, records
// the emission.
func (t *Throttle) Allow() bool {
	now := t.now()
	if t.last.IsZero() || !now.Before(t.last.Add(t.interval)) {
		t.last = now
		return true
	}
	return false
}

// Force records an emission made regardless of the interval.
func (t *Throttle) Force() {
	t.last = t.now()
}

// Last returns the time of the last emission.
func (t *Throttle) Last() time.Time { return t.last }

// Phase tells which walk a progress report comes from.
type Phase int

const (
	PhaseScan Phase = iota
	PhaseTransfer
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseScan:
		return "scan"
	case PhaseTransfer:
		return "transfer"
	default:
		return "done"
	}
}

// Progress is an advisory report of where a job is.
type Progress struct {
	JobID string
	Kind  Kind
	Phase Phase

	Title string
	Text  string

	// Max and Value are the byte or file totals scaled to fit an int.
	Max           int
	Value         int
	Indeterminate bool

	Scan     ScanInfo
	Transfer TransferInfo
	Current  vfskit.VirtualPath
}
