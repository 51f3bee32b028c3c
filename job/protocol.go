package job

import (
	"context"
	"io"
	"net"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/internal/metrics"
	"github.com/gobeaver/vfskit/pool"
)

var (
	// ErrCanceled ends a job whose handle or context was canceled.
	ErrCanceled = errors.Base("job canceled")
	// ErrAborted ends a job when the user chose Abort.
	ErrAborted = errors.Base("job aborted")
	// ErrCopyIntoItself is reported when a directory would be copied or
	// moved below itself.
	ErrCopyIntoItself = errors.Base("cannot copy a directory into itself")
	// ErrSpecialFile is reported for nodes that cannot be transferred, such
	// as devices or links between different kinds of provider.
	ErrSpecialFile = errors.Base("cannot copy special file")

	errSkipped = errors.Base("skipped")
)

// Category groups per-node failures. "Apply to all" silences one category
// for the rest of a job.
type Category int

const (
	CategoryTransfer Category = iota + 1
	CategoryExists
	CategoryCopyIntoItself
	CategorySpecialFile
	CategoryDelete
	CategorySetOwner
	CategorySetGroup
	CategorySetMode
	CategorySetLabel
	CategoryCreate
	CategoryScan
)

var categoryNames = map[Category]string{
	CategoryTransfer:       "transfer",
	CategoryExists:         "exists",
	CategoryCopyIntoItself: "copy_into_itself",
	CategorySpecialFile:    "special_file",
	CategoryDelete:         "delete",
	CategorySetOwner:       "set_owner",
	CategorySetGroup:       "set_group",
	CategorySetMode:        "set_mode",
	CategorySetLabel:       "set_security_label",
	CategoryCreate:         "create",
	CategoryScan:           "scan",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "unknown"
}

// Class is the broad kind of a failure, for presenters.
type Class int

const (
	// ClassPolicy failures are refusals: exists, read-only, unsupported.
	ClassPolicy Class = iota
	// ClassTransient failures may go away on retry: dropped connections,
	// timeouts, a full connection pool.
	ClassTransient
	// ClassInteractive failures need a user action such as a password.
	ClassInteractive
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInteractive:
		return "interactive"
	default:
		return "policy"
	}
}

// Classify returns the class of err.
func Classify(err error) Class {
	if _, ok := vfskit.AsUserActionRequired(err); ok {
		return ClassInteractive
	}
	var netErr net.Error
	switch {
	case errors.Is(err, pool.ErrExhausted),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return ClassTransient
	}
	return ClassPolicy
}

// Action is the user's answer to a failure.
type Action int

const (
	// ActionAbort is the zero value so that an unanswered prompt stops the
	// job.
	ActionAbort Action = iota
	ActionRetry
	ActionSkip
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	case ActionCancel:
		return "cancel"
	default:
		return "abort"
	}
}

// Decision is a presenter's reply to an ErrorRequest.
type Decision struct {
	Action Action
	// ApplyToAll makes a Skip sticky for the category until the job ends.
	ApplyToAll bool
}

// ErrorRequest asks the presenter how to continue after a failure.
type ErrorRequest struct {
	JobID    string
	Kind     Kind
	Category Category
	Class    Class
	Title    string
	// Message is the node name followed by the error.
	Message string
	Path    vfskit.VirtualPath
	Err     error
	// ReadOnlyTarget is set when the failure comes from a read-only store.
	ReadOnlyTarget bool
	// AllowApplyToAll is set when Skip may be made sticky.
	AllowApplyToAll bool
}

// ActionAllInfo holds the sticky "apply to all" choices of one job.
type ActionAllInfo struct {
	skip map[Category]bool
}

// Skipping reports whether failures of c are skipped without a prompt.
func (a *ActionAllInfo) Skipping(c Category) bool {
	return a.skip[c]
}

// SkipAll makes failures of c skip silently for the rest of the job.
func (a *ActionAllInfo) SkipAll(c Category) {
	if a.skip == nil {
		a.skip = make(map[Category]bool)
	}
	a.skip[c] = true
}

// node is the subject of an operation retried by the error protocol.
type node struct {
	category Category
	prov     vfskit.Provider
	path     vfskit.VirtualPath
	// size is removed from the totals when the node is skipped; a negative
	// size leaves them untouched.
	size int64
	// subtree, when set, is a scanned node whose descendants leave the
	// totals along with it.
	subtree *vfskit.VirtualPath
	// settled is set when path itself has already left the totals.
	settled bool
}

// attempt runs op until it succeeds or the error protocol resolves its
// failure. It returns errSkipped when the node was skipped and ErrCanceled
// or ErrAborted when the job must unwind.
func (r *runner) attempt(ctx context.Context, n node, op func() error) error {
	for {
		if err := r.checkCanceled(ctx); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return errors.WithStack(ErrCanceled)
		}
		if errors.Is(err, ErrAborted) || errors.Is(err, ErrCanceled) {
			return err
		}

		retry, perr := r.resolve(ctx, n, err)
		if perr != nil {
			return perr
		}
		if !retry {
			r.skipNode(n)
			return errSkipped
		}
	}
}

func (r *runner) skipNode(n node) {
	switch {
	case n.settled:
	case n.size >= 0:
		r.transfer.skipFile(n.size)
	default:
		r.transfer.skipFileIgnoringSize()
	}
	if n.subtree != nil {
		r.skipSubtree(*n.subtree)
	}
	r.postTransfer(n.path)
}

// resolve runs the error protocol for one failure and reports whether to
// retry. It never returns a nil error with retry false unless the node is
// to be skipped.
func (r *runner) resolve(ctx context.Context, n node, err error) (bool, error) {
	logger := r.logger.With().Str("path", n.path.String()).Str("category", n.category.String()).Logger()
	logger.Debug().Err(err).Msg("operation failed")

	if r.actionAll.Skipping(n.category) {
		metrics.RecordErrorDecision(n.category.String(), "skip_all")
		return false, nil
	}

	if ua, ok := vfskit.AsUserActionRequired(err); ok {
		if r.presenter.PerformUserAction(ctx, ua) {
			logger.Debug().Str("action", ua.Action).Msg("user action completed, retrying")
			return true, nil
		}
	}

	req := ErrorRequest{
		JobID:           r.id,
		Kind:            r.req.Kind,
		Category:        n.category,
		Class:           Classify(err),
		Title:           errorTitles[n.category],
		Message:         fileName(n.path) + ": " + err.Error(),
		Path:            n.path,
		Err:             err,
		AllowApplyToAll: true,
	}
	if n.prov != nil {
		req.ReadOnlyTarget = vfskit.ReadOnlyTarget(ctx, n.prov, n.path, err)
	}

	dec, perr := r.presenter.PresentError(ctx, req)
	if perr != nil {
		if ctx.Err() != nil {
			return false, errors.WithStack(ErrCanceled)
		}
		return false, errors.Errorf("present error: %w", perr)
	}
	metrics.RecordErrorDecision(n.category.String(), dec.Action.String())
	logger.Debug().Stringer("action", dec.Action).Bool("all", dec.ApplyToAll).Msg("error resolved")

	switch dec.Action {
	case ActionRetry:
		return true, nil
	case ActionSkip:
		if dec.ApplyToAll {
			r.actionAll.SkipAll(n.category)
		}
		return false, nil
	case ActionCancel:
		return false, nil
	default:
		return false, errors.WithStack(ErrAborted)
	}
}
