package job

import (
	"context"

	"github.com/gobeaver/vfskit"
)

func (r *runner) runDelete(ctx context.Context) error {
	if err := r.scan(ctx, r.req.Sources, true); err != nil {
		return err
	}
	r.startTransfer(vfskit.VirtualPath{})

	for _, root := range r.req.Sources {
		if !r.wasRead(root) {
			continue
		}
		prov, err := r.provider(ctx, root)
		if err != nil {
			continue
		}
		var fi *vfskit.FileInfo
		err = r.attempt(ctx, node{category: CategoryDelete, prov: prov, path: root, size: -1, subtree: &root}, func() error {
			var err error
			fi, err = prov.Stat(ctx, root, false)
			return err
		})
		if err == nil {
			_, err = r.deleteTree(ctx, prov, fi)
		}
		if err != nil && !isSkipped(err) {
			return err
		}
	}
	return nil
}

// deleteTree deletes fi in post-order. It reports whether the node is
// gone; a directory whose content was partly kept is left in place and
// counted as skipped.
func (r *runner) deleteTree(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo) (bool, error) {
	if err := r.checkCanceled(ctx); err != nil {
		return false, err
	}
	if !r.selector.Match(fi) {
		return false, nil
	}
	size := nodeSize(fi)

	if fi.IsDir() {
		var entries []vfskit.FileInfo
		err := r.attempt(ctx, node{category: CategoryDelete, prov: prov, path: fi.Path, size: size, subtree: &fi.Path}, func() error {
			var err error
			entries, err = vfskit.ReadDir(ctx, prov, fi.Path)
			return err
		})
		if err != nil {
			return false, err
		}

		kept := !r.selector.TraverseDescendants(fi) && len(entries) > 0
		if !kept {
			for i := range entries {
				gone, err := r.deleteTree(ctx, prov, &entries[i])
				if err != nil && !isSkipped(err) {
					return false, err
				}
				if !gone {
					kept = true
				}
			}
		}
		if kept {
			r.transfer.skipFile(size)
			r.postTransfer(fi.Path)
			return false, nil
		}
	}

	err := r.attempt(ctx, node{category: CategoryDelete, prov: prov, path: fi.Path, size: size}, func() error {
		err := prov.Delete(ctx, fi.Path)
		if vfskit.IsNotExist(err) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	r.logger.Debug().Str("path", fi.Path.String()).Msg("deleted")
	r.transfer.addTransferredFile(size)
	r.postTransfer(fi.Path)
	return true, nil
}
