package local

import (
	"context"

	"github.com/gobeaver/vfskit"
)

func init() {
	vfskit.RegisterScheme(vfskit.SchemeFile, func(_ context.Context, _ vfskit.Authority, _ vfskit.Deps) (vfskit.Provider, error) {
		return New("")
	})
}
