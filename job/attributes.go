package job

import (
	"context"
	"os"

	"github.com/gobeaver/vfskit"
)

// attributeSetter applies the requested attribute to one node.
type attributeSetter func(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo) error

func (r *runner) attributeSetter() (Category, attributeSetter) {
	switch r.req.Kind {
	case KindSetOwner:
		return CategorySetOwner, func(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo) error {
			return vfskit.SetOwner(ctx, prov, fi.Path, r.req.Owner)
		}
	case KindSetGroup:
		return CategorySetGroup, func(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo) error {
			return vfskit.SetGroup(ctx, prov, fi.Path, r.req.Group)
		}
	case KindSetMode:
		return CategorySetMode, func(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo) error {
			return vfskit.SetMode(ctx, prov, fi.Path, resolveMode(r.req.Mode, r.req.ModeX, r.policy, fi))
		}
	default:
		return CategorySetLabel, func(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo) error {
			return vfskit.SetSecurityLabel(ctx, prov, fi.Path, r.req.SecurityLabel)
		}
	}
}

// resolveMode returns the mode to set on fi for a request of mode with an
// optional "X".
func resolveMode(mode os.FileMode, x bool, policy ModePolicy, fi *vfskit.FileInfo) os.FileMode {
	mode &= os.ModePerm
	if !x {
		return mode
	}
	old := fi.Mode & 0o111
	switch policy {
	case ModePolicyPOSIX:
		if fi.IsDir() || old != 0 {
			return mode | (mode&0o444)>>2
		}
		return mode
	default:
		return mode | old
	}
}

func (r *runner) runSetAttributes(ctx context.Context) error {
	if err := r.scan(ctx, r.req.Sources, r.req.Recursive); err != nil {
		return err
	}
	r.startTransfer(vfskit.VirtualPath{})
	category, set := r.attributeSetter()

	for _, root := range r.req.Sources {
		if !r.wasRead(root) {
			continue
		}
		prov, err := r.provider(ctx, root)
		if err != nil {
			continue
		}
		err = r.walkForAttributes(ctx, prov, root, category, func(fi *vfskit.FileInfo) error {
			if r.req.Kind == KindSetMode && fi.IsSymlink() {
				// A link has no mode; chmod would land on its target.
				r.logger.Debug().Str("path", fi.Path.String()).Msg("symlink left alone")
				r.transfer.skipFile(nodeSize(fi))
				r.postTransfer(fi.Path)
				return nil
			}
			err := r.attempt(ctx, node{category: category, prov: prov, path: fi.Path, size: -1}, func() error {
				return set(ctx, prov, fi)
			})
			if err != nil {
				return err
			}
			r.transfer.TransferredFileCount++
			r.postTransfer(fi.Path)
			return nil
		})
		if err != nil && !isSkipped(err) {
			return err
		}
	}
	return nil
}

// walkForAttributes visits start and, for recursive requests, everything
// below it. The start node is stated the way the scan stated it and nodes
// below it are never followed. Read failures go through the error
// protocol under category.
func (r *runner) walkForAttributes(ctx context.Context, prov vfskit.Provider, start vfskit.VirtualPath,
	category Category, visit func(*vfskit.FileInfo) error,
) error {
	var fi *vfskit.FileInfo
	err := r.attempt(ctx, node{category: category, prov: prov, path: start, size: -1, subtree: &start}, func() error {
		var err error
		fi, err = statRoot(ctx, prov, start, r.req.Recursive)
		return err
	})
	if err != nil {
		return err
	}
	return r.visitForAttributes(ctx, prov, fi, category, visit)
}

func (r *runner) visitForAttributes(ctx context.Context, prov vfskit.Provider, fi *vfskit.FileInfo,
	category Category, visit func(*vfskit.FileInfo) error,
) error {
	if !r.selector.Match(fi) {
		return nil
	}
	if !r.req.Recursive || !fi.IsDir() || !r.selector.TraverseDescendants(fi) {
		if err := visit(fi); err != nil {
			return err
		}
		return r.checkCanceled(ctx)
	}

	var entries []vfskit.FileInfo
	err := r.attempt(ctx, node{category: category, prov: prov, path: fi.Path, size: -1, subtree: &fi.Path}, func() error {
		var err error
		entries, err = vfskit.ReadDir(ctx, prov, fi.Path)
		return err
	})
	if err != nil {
		return err
	}

	if err := visit(fi); err != nil && !isSkipped(err) {
		return err
	}
	if err := r.checkCanceled(ctx); err != nil {
		return err
	}
	for i := range entries {
		if err := r.visitForAttributes(ctx, prov, &entries[i], category, visit); err != nil && !isSkipped(err) {
			return err
		}
	}
	return nil
}
