package job

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/internal/metrics"
)

func (r *runner) runCopyMove(ctx context.Context) error {
	if err := r.scan(ctx, r.req.Sources, true); err != nil {
		return err
	}
	r.startTransfer(r.req.Target)

	dstProv, err := r.provider(ctx, r.req.Target)
	if err != nil {
		return errors.Errorf("target %s: %w", r.req.Target, err)
	}
	if err := vfskit.MkdirAll(ctx, dstProv, r.req.Target); err != nil {
		if cerr := r.checkCanceled(ctx); cerr != nil {
			return cerr
		}
		return errors.Errorf("target %s: %w", r.req.Target, err)
	}

	move := r.req.Kind == KindMove
	for _, src := range r.req.Sources {
		if !r.wasRead(src) {
			// Already reported by the scan.
			continue
		}
		srcProv, err := r.provider(ctx, src)
		if err != nil {
			continue
		}
		dst := r.req.Target.Join(targetName(src))
		if err := r.copyOrMove(ctx, srcProv, src, dstProv, dst, move); err != nil && !isSkipped(err) {
			return err
		}
	}
	return nil
}

func (r *runner) runSave(ctx context.Context) error {
	src, target := r.req.Sources[0], r.req.Target
	if err := r.scan(ctx, r.req.Sources, false); err != nil {
		return err
	}
	r.startTransfer(target.Parent())
	r.overwrite = true

	srcProv, err := r.provider(ctx, src)
	if err != nil {
		return err
	}
	dstProv, err := r.provider(ctx, target)
	if err != nil {
		return err
	}
	if err := r.copyOrMove(ctx, srcProv, src, dstProv, target, false); err != nil && !isSkipped(err) {
		return err
	}
	return nil
}

func opName(move bool) string {
	if move {
		return "move"
	}
	return "copy"
}

// copyOrMove transfers src to dst and, for directories, everything below
// it. Failures are resolved through the error protocol; errSkipped means
// the node was skipped.
func (r *runner) copyOrMove(ctx context.Context, srcProv vfskit.Provider, src vfskit.VirtualPath,
	dstProv vfskit.Provider, dst vfskit.VirtualPath, move bool,
) error {
	if err := r.checkCanceled(ctx); err != nil {
		return err
	}
	op := opName(move)

	var srcInfo *vfskit.FileInfo
	err := r.attempt(ctx, node{category: CategoryTransfer, prov: srcProv, path: src, size: -1, subtree: &src}, func() error {
		var err error
		srcInfo, err = srcProv.Stat(ctx, src, false)
		return err
	})
	if err != nil {
		return err
	}
	if !r.selector.Match(srcInfo) {
		return nil
	}
	size := nodeSize(srcInfo)

	var dstInfo *vfskit.FileInfo
	err = r.attempt(ctx, node{category: CategoryTransfer, prov: dstProv, path: dst, size: size, subtree: &src}, func() error {
		fi, err := dstProv.Stat(ctx, dst, false)
		switch {
		case err == nil:
			dstInfo = fi
		case vfskit.IsNotExist(err):
			dstInfo = nil
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if dstInfo != nil && src.Equal(dst) {
		return r.completeSubtree(ctx, srcProv, srcInfo)
	}

	if srcInfo.IsDir() && dst.HasPrefix(src) {
		err := r.attempt(ctx, node{category: CategoryCopyIntoItself, prov: dstProv, path: dst, size: size, subtree: &src}, func() error {
			return vfskit.NewPathError(op, dst, ErrCopyIntoItself)
		})
		if err != nil {
			return err
		}
	}

	merge, dirSkipped, overwriteFile := false, false, false
	if dstInfo != nil {
		bothDirs := srcInfo.IsDir() && dstInfo.IsDir()
		switch {
		case !r.overwrite:
			exists := node{category: CategoryExists, prov: dstProv, path: dst, size: size}
			if !bothDirs {
				exists.subtree = &src
			}
			err := r.attempt(ctx, exists, func() error {
				ok, err := vfskit.Exists(ctx, dstProv, dst)
				if err != nil {
					return err
				}
				if ok {
					return vfskit.NewPathError(op, dst, vfskit.ErrExist)
				}
				return nil
			})
			switch {
			case err == nil:
				// Removed while the prompt was up.
			case isSkipped(err) && bothDirs:
				// The directory itself is skipped but its content is
				// merged, every entry getting its own prompt.
				merge, dirSkipped = true, true
			default:
				return err
			}
		case bothDirs:
			merge = true
		case srcInfo.IsRegular() && dstInfo.IsRegular() && !(move && src.SameAuthority(dst)):
			overwriteFile = true
		default:
			err := r.attempt(ctx, node{category: CategoryTransfer, prov: dstProv, path: dst, size: size, subtree: &src}, func() error {
				return vfskit.RemoveAll(ctx, dstProv, dst)
			})
			if err != nil {
				return err
			}
		}
	}

	if move && src.SameAuthority(dst) && !merge {
		renamed := false
		err := r.attempt(ctx, node{category: CategoryTransfer, prov: srcProv, path: src, size: size, subtree: &src}, func() error {
			err := srcProv.Rename(ctx, src, dst)
			switch {
			case err == nil:
				renamed = true
			case vfskit.IsNotSupported(err) || errors.Is(err, vfskit.ErrCrossAuthority):
				// Fall back to copy and delete.
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		if renamed {
			r.logger.Debug().Str("src", src.String()).Str("dst", dst.String()).Msg("renamed")
			r.transfer.addTransferredFile(size)
			r.completeSubtreeTotals(src)
			r.postTransfer(src)
			return nil
		}
	}

	switch srcInfo.Type {
	case vfskit.TypeDir:
		return r.copyDir(ctx, srcProv, srcInfo, dstProv, dst, move, merge, dirSkipped)
	case vfskit.TypeSymlink:
		err = r.copyLink(ctx, srcProv, srcInfo, dstProv, dst)
	case vfskit.TypeRegular:
		err = r.copyFile(ctx, srcProv, srcInfo, dstProv, dst, overwriteFile)
	default:
		err = r.attempt(ctx, node{category: CategorySpecialFile, prov: srcProv, path: src, size: size}, func() error {
			return vfskit.NewPathError(op, src, ErrSpecialFile)
		})
	}
	if err != nil {
		return err
	}

	r.copyAttributes(ctx, dstProv, dst, srcInfo, src.Authority().Scheme == dst.Authority().Scheme)
	if move {
		r.deleteSource(ctx, srcProv, src)
	}
	return nil
}

func (r *runner) copyDir(ctx context.Context, srcProv vfskit.Provider, srcInfo *vfskit.FileInfo,
	dstProv vfskit.Provider, dst vfskit.VirtualPath, move, merge, dirSkipped bool,
) error {
	src := srcInfo.Path
	size := nodeSize(srcInfo)

	if !merge {
		err := r.attempt(ctx, node{category: CategoryTransfer, prov: dstProv, path: dst, size: size, subtree: &src}, func() error {
			return dstProv.CreateDir(ctx, dst)
		})
		if err != nil {
			return err
		}
	}

	var entries []vfskit.FileInfo
	if r.selector.TraverseDescendants(srcInfo) {
		listing := node{category: CategoryTransfer, prov: srcProv, path: src, size: size, subtree: &src, settled: dirSkipped}
		err := r.attempt(ctx, listing, func() error {
			var err error
			entries, err = vfskit.ReadDir(ctx, srcProv, src)
			return err
		})
		if err != nil {
			return err
		}
	}
	if !dirSkipped {
		r.transfer.addTransferredFile(size)
		r.postTransfer(src)
	}

	for _, e := range entries {
		if err := r.copyOrMove(ctx, srcProv, e.Path, dstProv, dst.Join(e.Name), move); err != nil && !isSkipped(err) {
			return err
		}
	}

	if !dirSkipped {
		r.copyAttributes(ctx, dstProv, dst, srcInfo, src.Authority().Scheme == dst.Authority().Scheme)
	}
	if move {
		r.deleteSource(ctx, srcProv, src)
	}
	return nil
}

// copyLink recreates a symlink. Links only travel between providers of the
// same kind that both support them.
func (r *runner) copyLink(ctx context.Context, srcProv vfskit.Provider, srcInfo *vfskit.FileInfo,
	dstProv vfskit.Provider, dst vfskit.VirtualPath,
) error {
	src := srcInfo.Path
	size := nodeSize(srcInfo)

	if src.Authority().Scheme != dst.Authority().Scheme ||
		!vfskit.SupportsSymlinks(srcProv) || !vfskit.SupportsSymlinks(dstProv) {
		return r.attempt(ctx, node{category: CategorySpecialFile, prov: srcProv, path: src, size: size}, func() error {
			return vfskit.NewPathError("symlink", src, ErrSpecialFile)
		})
	}

	err := r.attempt(ctx, node{category: CategoryTransfer, prov: dstProv, path: dst, size: size}, func() error {
		target, err := vfskit.ReadLink(ctx, srcProv, src)
		if err != nil {
			if srcInfo.LinkTarget == "" {
				return err
			}
			target = srcInfo.LinkTarget
		}
		return vfskit.Symlink(ctx, dstProv, target, dst)
	})
	if err != nil {
		return err
	}
	r.transfer.addTransferredFile(size)
	r.postTransfer(src)
	return nil
}

func (r *runner) copyFile(ctx context.Context, srcProv vfskit.Provider, srcInfo *vfskit.FileInfo,
	dstProv vfskit.Provider, dst vfskit.VirtualPath, overwrite bool,
) error {
	src := srcInfo.Path
	size := nodeSize(srcInfo)

	var written int64
	attempts := 0
	onChunk := func(n int64) error {
		written += n
		r.transfer.TransferredSize += n
		metrics.RecordBytes(n)
		r.postTransfer(src)
		return nil
	}

	err := r.attempt(ctx, node{category: CategoryTransfer, prov: dstProv, path: dst, size: size}, func() error {
		// A retry starts over; forget what the failed attempt streamed.
		r.transfer.TransferredSize -= written
		written = 0

		var opts []vfskit.WriteOption
		if overwrite || attempts > 0 {
			opts = append(opts, vfskit.WithOverwrite(true))
		}
		attempts++

		if _, err := vfskit.CopyFile(ctx, srcProv, src, dstProv, dst, r.cfg.ChunkSize, onChunk, opts...); err != nil {
			return err
		}
		if r.req.Verify || r.cfg.VerifyCopies {
			return vfskit.VerifyCopy(ctx, srcProv, src, dstProv, dst)
		}
		return nil
	})
	if err != nil {
		r.transfer.TransferredSize -= written
		if written > 0 {
			// Also runs while the job unwinds.
			err := dstProv.Delete(context.WithoutCancel(ctx), dst)
			if !vfskit.IsNotExist(err) {
				r.logBestEffort(err, "delete partial", dst)
			}
		}
		return err
	}

	r.transfer.TransferredFileCount++
	r.postTransfer(src)
	return nil
}

// completeSubtree accounts for a node copied onto itself. Nothing is
// written but every node counts as transferred.
func (r *runner) completeSubtree(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo) error {
	return r.walk(ctx, prov, fi, true, func(fi *vfskit.FileInfo) error {
		r.transfer.addTransferredFile(nodeSize(fi))
		r.postTransfer(fi.Path)
		return nil
	}, func(p vfskit.VirtualPath, err error) {
		r.logger.Debug().Err(err).Str("path", p.String()).Msg("cannot list")
	})
}

// copyAttributes carries metadata over to a copied node. Owner, group and
// label only make sense between providers of the same kind. Failures are
// logged and otherwise ignored.
func (r *runner) copyAttributes(ctx context.Context, prov vfskit.Provider, dst vfskit.VirtualPath,
	fi *vfskit.FileInfo, sameKind bool,
) {
	if fi.IsSymlink() {
		return
	}
	if !fi.ModTime.IsZero() {
		r.logBestEffort(vfskit.SetModTime(ctx, prov, dst, fi.ModTime), "touch", dst)
	}
	if !fi.ModeUnknown {
		r.logBestEffort(vfskit.SetMode(ctx, prov, dst, fi.Mode), "chmod", dst)
	}
	if !sameKind {
		return
	}
	if fi.Owner.ID >= 0 || fi.Owner.Name != "" {
		r.logBestEffort(vfskit.SetOwner(ctx, prov, dst, fi.Owner), "chown", dst)
	}
	if fi.Group.ID >= 0 || fi.Group.Name != "" {
		r.logBestEffort(vfskit.SetGroup(ctx, prov, dst, fi.Group), "chgrp", dst)
	}
	if fi.SecurityLabel != "" {
		r.logBestEffort(vfskit.SetSecurityLabel(ctx, prov, dst, fi.SecurityLabel), "chcon", dst)
	}
}

// deleteSource removes a moved node. A node already gone counts as
// deleted.
func (r *runner) deleteSource(ctx context.Context, prov vfskit.Provider, src vfskit.VirtualPath) {
	err := prov.Delete(ctx, src)
	if err == nil || vfskit.IsNotExist(err) {
		return
	}
	if errors.Is(err, vfskit.ErrNotEmpty) {
		// Something below was skipped.
		r.logger.Debug().Str("path", src.String()).Msg("source directory kept")
		return
	}
	r.logBestEffort(err, "delete source", src)
}
