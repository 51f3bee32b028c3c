package zip

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
)

func init() {
	vfskit.RegisterScheme(vfskit.SchemeArchive, func(_ context.Context, auth vfskit.Authority, _ vfskit.Deps) (vfskit.Provider, error) {
		if auth.Archive == "" {
			return nil, errors.New("zip driver requires the archive path")
		}
		return Open(auth.Archive)
	})
}
