package memory

import (
	"context"

	"github.com/gobeaver/vfskit"
)

func init() {
	vfskit.RegisterScheme(vfskit.SchemeMemory, func(_ context.Context, auth vfskit.Authority, _ vfskit.Deps) (vfskit.Provider, error) {
		return New(auth.Host), nil
	})
}
