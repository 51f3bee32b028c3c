package ftp

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gobeaver/vfskit"
)

func init() {
	factory := func(ctx context.Context, auth vfskit.Authority, deps vfskit.Deps) (vfskit.Provider, error) {
		return New(auth, deps, WithLogger(zerolog.Ctx(ctx)))
	}
	vfskit.RegisterScheme(vfskit.SchemeFTP, factory)
	vfskit.RegisterScheme(vfskit.SchemeFTPS, factory)
}
