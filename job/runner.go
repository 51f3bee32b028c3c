package job

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
)

// runner executes one job. Its counters are only touched by the job's own
// goroutine.
type runner struct {
	id        string
	req       Request
	reg       *vfskit.Registry
	presenter Presenter
	cfg       *vfskit.Config
	logger    *zerolog.Logger
	selector  vfskit.FileSelector
	overwrite bool
	policy    ModePolicy
	canceled  *atomic.Bool

	scanThrottle     *Throttle
	transferThrottle *Throttle

	scanned   ScanInfo
	transfer  TransferInfo
	actionAll ActionAllInfo

	// subtrees holds, per scanned directory, what the scan counted below it.
	subtrees map[string]ScanInfo
	// unread holds the roots the scan could not read.
	unread map[string]bool
}

func (r *runner) checkCanceled(ctx context.Context) error {
	if r.canceled.Load() || ctx.Err() != nil {
		return errors.WithStack(ErrCanceled)
	}
	return nil
}

func (r *runner) provider(ctx context.Context, p vfskit.VirtualPath) (vfskit.Provider, error) {
	return r.reg.Resolve(ctx, p)
}

func (r *runner) result() Result {
	return Result{Scan: r.scanned, Transfer: r.transfer}
}

func (r *runner) report(p Progress) {
	p.JobID = r.id
	r.presenter.ReportProgress(p)
}

// postScan reports scan progress every ScanNotifyEvery nodes and otherwise
// at most once per progress interval.
func (r *runner) postScan() {
	every := r.cfg.ScanNotifyEvery
	if every > 0 && r.scanned.FileCount%every == 0 {
		r.scanThrottle.Force()
	} else if !r.scanThrottle.Allow() {
		return
	}
	r.report(formatScan(r.req.Kind, r.scanned))
}

func (r *runner) startTransfer(target vfskit.VirtualPath) {
	r.transfer = newTransferInfo(r.scanned, target)
}

func (r *runner) measuresBytes() bool {
	switch r.req.Kind {
	case KindCopy, KindMove, KindSave, KindWriteBytes:
		return true
	default:
		return false
	}
}

func (r *runner) postTransfer(current vfskit.VirtualPath) {
	if !r.transferThrottle.Allow() {
		return
	}
	r.report(r.formatTransfer(current))
}

func (r *runner) formatTransfer(current vfskit.VirtualPath) Progress {
	if r.measuresBytes() {
		return formatTransferSize(r.req.Kind, r.transfer, current)
	}
	return formatTransferCount(r.req.Kind, r.transfer, current)
}

func (r *runner) run(ctx context.Context) error {
	switch r.req.Kind {
	case KindCopy, KindMove:
		return r.runCopyMove(ctx)
	case KindSave:
		return r.runSave(ctx)
	case KindDelete:
		return r.runDelete(ctx)
	case KindSetOwner, KindSetGroup, KindSetMode, KindSetSecurityLabel:
		return r.runSetAttributes(ctx)
	case KindWriteBytes:
		return r.runWriteBytes(ctx)
	case KindCreateDirectory:
		return r.runCreateDirectory(ctx)
	case KindCreateFile:
		return r.runCreateFile(ctx)
	default:
		return errors.Errorf("%w: unknown kind %d", ErrInvalidRequest, int(r.req.Kind))
	}
}

// walk visits fi and, when recursive, every node below it in pre-order.
// Nodes the selector rejects are not visited, and neither is anything
// below them. Listing failures go to failed and the walk continues.
func (r *runner) walk(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo, recursive bool,
	visit func(*vfskit.FileInfo) error, failed func(vfskit.VirtualPath, error),
) error {
	if !r.selector.Match(fi) {
		return nil
	}
	if err := visit(fi); err != nil {
		return err
	}
	if err := r.checkCanceled(ctx); err != nil {
		return err
	}
	if !recursive || !fi.IsDir() || !r.selector.TraverseDescendants(fi) {
		return nil
	}

	entries, err := vfskit.ReadDir(ctx, prov, fi.Path)
	if err != nil {
		if cerr := r.checkCanceled(ctx); cerr != nil {
			return cerr
		}
		failed(fi.Path, err)
		return nil
	}
	for i := range entries {
		if err := r.walk(ctx, prov, &entries[i], true, visit, failed); err != nil {
			return err
		}
	}
	return nil
}

// scan counts every node below roots once. A root that cannot be read is
// recorded and skipped; the scan only fails when no root could be read.
func (r *runner) scan(ctx context.Context, roots []vfskit.VirtualPath, recursive bool) error {
	failed := func(p vfskit.VirtualPath, err error) {
		r.scanned.Failures++
		r.logger.Warn().Err(err).Str("path", p.String()).Msg("cannot scan")
	}
	unread := func(root vfskit.VirtualPath, err error) {
		failed(root, err)
		if r.unread == nil {
			r.unread = make(map[string]bool)
		}
		r.unread[root.URI()] = true
	}
	var top vfskit.VirtualPath
	visit := func(fi *vfskit.FileInfo) error {
		size := nodeSize(fi)
		r.scanned.add(size)
		r.addToAncestors(top, fi.Path, size)
		r.postScan()
		return nil
	}

	var lastErr error
	visited := 0
	for _, root := range roots {
		if err := r.checkCanceled(ctx); err != nil {
			return err
		}
		prov, err := r.provider(ctx, root)
		if err != nil {
			unread(root, err)
			lastErr = err
			continue
		}

		fi, err := statRoot(ctx, prov, root, recursive)
		if err != nil {
			if cerr := r.checkCanceled(ctx); cerr != nil {
				return cerr
			}
			unread(root, err)
			lastErr = err
			continue
		}
		visited++
		top = fi.Path

		if err := r.walk(ctx, prov, fi, recursive, visit, failed); err != nil {
			return err
		}
	}

	r.report(formatScan(r.req.Kind, r.scanned))
	r.scanThrottle.Force()

	if visited == 0 && len(roots) > 0 {
		return errors.Errorf("no source could be read: %w", lastErr)
	}
	return nil
}

// addToAncestors adds a scanned node to the subtree totals of every
// directory between top and p.
func (r *runner) addToAncestors(top, p vfskit.VirtualPath, size int64) {
	if r.subtrees == nil {
		r.subtrees = make(map[string]ScanInfo)
	}
	for p.Depth() > top.Depth() {
		p = p.Parent()
		t := r.subtrees[p.URI()]
		t.add(size)
		r.subtrees[p.URI()] = t
	}
}

// takeSubtree returns what the scan counted below p, once.
func (r *runner) takeSubtree(p vfskit.VirtualPath) ScanInfo {
	t := r.subtrees[p.URI()]
	delete(r.subtrees, p.URI())
	return t
}

// skipSubtree removes everything below p from the totals.
func (r *runner) skipSubtree(p vfskit.VirtualPath) {
	t := r.takeSubtree(p)
	r.transfer.FileCount -= t.FileCount
	r.transfer.Size -= t.Size
}

// completeSubtreeTotals counts everything below p as transferred.
func (r *runner) completeSubtreeTotals(p vfskit.VirtualPath) {
	t := r.takeSubtree(p)
	r.transfer.TransferredFileCount += t.FileCount
	r.transfer.TransferredSize += t.Size
}

// wasRead reports whether the scan could read root. Roots it could not
// read are already recorded as failures and never counted.
func (r *runner) wasRead(root vfskit.VirtualPath) bool {
	return !r.unread[root.URI()]
}

// statRoot stats a job root. Recursive jobs never follow a linked root,
// so a link to a directory is one node and not the tree behind it. Single
// nodes are stated through the link, falling back to the link itself.
func statRoot(ctx context.Context, prov vfskit.Provider, root vfskit.VirtualPath, recursive bool) (*vfskit.FileInfo, error) {
	if recursive {
		return prov.Stat(ctx, root, false)
	}
	return vfskit.StatFallback(ctx, prov, root)
}

// nodeSize is the size a node adds to the totals. Directories count with
// whatever size their provider reports.
func nodeSize(fi *vfskit.FileInfo) int64 {
	if fi.Size < 0 {
		return 0
	}
	return fi.Size
}

func isSkipped(err error) bool {
	return errors.Is(err, errSkipped)
}

// logBestEffort logs a failure that does not affect the job outcome.
func (r *runner) logBestEffort(err error, op string, p vfskit.VirtualPath) {
	if err == nil {
		return
	}
	ev := r.logger.Warn()
	if vfskit.IsNotSupported(err) {
		ev = r.logger.Debug()
	}
	ev.Err(err).Str("op", op).Str("path", p.String()).Msg("ignored failure")
}
