package sftp

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gobeaver/vfskit"
)

func init() {
	vfskit.RegisterScheme(vfskit.SchemeSFTP, func(ctx context.Context, auth vfskit.Authority, deps vfskit.Deps) (vfskit.Provider, error) {
		return New(auth, deps, WithLogger(zerolog.Ctx(ctx))), nil
	})
}
