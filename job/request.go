package job

import (
	"os"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
)

// Kind names what a job does.
type Kind int

const (
	KindCopy Kind = iota + 1
	KindMove
	KindDelete
	KindSave
	KindSetGroup
	KindSetMode
	KindSetOwner
	KindSetSecurityLabel
	KindWriteBytes
	KindCreateDirectory
	KindCreateFile
)

var kindNames = map[Kind]string{
	KindCopy:             "copy",
	KindMove:             "move",
	KindDelete:           "delete",
	KindSave:             "save",
	KindSetGroup:         "chgrp",
	KindSetMode:          "chmod",
	KindSetOwner:         "chown",
	KindSetSecurityLabel: "chcon",
	KindWriteBytes:       "write",
	KindCreateDirectory:  "mkdir",
	KindCreateFile:       "touch",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ModePolicy decides how a symbolic "X" in a requested mode is resolved.
type ModePolicy int

const (
	// ModePolicyDefault uses the policy of the service configuration.
	ModePolicyDefault ModePolicy = iota
	// ModePolicyCarryExecute keeps the execute bits the node already had.
	ModePolicyCarryExecute
	// ModePolicyPOSIX grants execute to every class that can read when the
	// node is a directory or already has an execute bit, like chmod(1).
	ModePolicyPOSIX
)

// ParseModePolicy maps a config value to a policy.
func ParseModePolicy(s string) (ModePolicy, error) {
	switch s {
	case "":
		return ModePolicyDefault, nil
	case vfskit.ModeXCarry:
		return ModePolicyCarryExecute, nil
	case vfskit.ModeXPOSIX:
		return ModePolicyPOSIX, nil
	default:
		return 0, errors.Errorf("unknown mode X policy %q", s)
	}
}

// ErrInvalidRequest is returned by Validate.
var ErrInvalidRequest = errors.Base("invalid job request")

// Request describes one job.
//
// Copy and Move put every source below the Target directory. Save writes
// its single source to Target itself. WriteBytes, CreateDirectory and
// CreateFile act on Target. The other kinds act on Sources.
type Request struct {
	Kind      Kind
	Sources   []vfskit.VirtualPath
	Target    vfskit.VirtualPath
	Recursive bool
	Overwrite bool

	Owner         vfskit.Principal
	Group         vfskit.Principal
	Mode          os.FileMode
	ModeX         bool // "X" was requested on top of Mode
	ModePolicy    ModePolicy
	SecurityLabel string

	Content []byte

	// Verify compares checksums of every copied file.
	Verify bool
	// Exclude skips nodes matching any of these glob patterns.
	Exclude []string
}

func invalid(format string, args ...any) error {
	return errors.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}

// Validate checks that the request names what its kind needs.
func (r *Request) Validate() error {
	switch r.Kind {
	case KindCopy, KindMove:
		if len(r.Sources) == 0 {
			return invalid("%s needs at least one source", r.Kind)
		}
		if !r.Target.IsAbs() {
			return invalid("%s needs an absolute target", r.Kind)
		}
		for _, src := range r.Sources {
			if src.IsRoot() && src.Authority().Scheme != vfskit.SchemeArchive {
				return invalid("cannot %s the root %s", r.Kind, src)
			}
		}
	case KindSave:
		if len(r.Sources) != 1 {
			return invalid("save needs exactly one source")
		}
		if !r.Target.IsAbs() || r.Target.IsRoot() {
			return invalid("save needs a target file")
		}
	case KindDelete, KindSetGroup, KindSetMode, KindSetOwner, KindSetSecurityLabel:
		if len(r.Sources) == 0 {
			return invalid("%s needs at least one path", r.Kind)
		}
		if r.Kind == KindDelete {
			for _, src := range r.Sources {
				if src.IsRoot() {
					return invalid("cannot delete the root %s", src)
				}
			}
		}
		if r.Kind == KindSetMode && r.Mode&^os.ModePerm != 0 {
			return invalid("mode %o has bits besides permissions", r.Mode)
		}
		if r.Kind == KindSetOwner && r.Owner.ID < 0 && r.Owner.Name == "" {
			return invalid("chown needs an owner")
		}
		if r.Kind == KindSetGroup && r.Group.ID < 0 && r.Group.Name == "" {
			return invalid("chgrp needs a group")
		}
	case KindWriteBytes, KindCreateDirectory, KindCreateFile:
		if !r.Target.IsAbs() || r.Target.IsRoot() {
			return invalid("%s needs a target path", r.Kind)
		}
	default:
		return invalid("unknown kind %d", int(r.Kind))
	}

	if _, err := vfskit.Exclude(r.Exclude...); err != nil {
		return invalid("%s", err.Error())
	}
	return nil
}

// Status is the lifecycle state of a job.
type Status int

const (
	StatusRunning Status = iota
	StatusSucceeded
	StatusFailed
	StatusCanceled
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
