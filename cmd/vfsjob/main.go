// Command vfsjob runs file jobs (copy, move, delete, attribute changes)
// across local directories, zip archives, FTP and SFTP servers.
//
//	vfsjob copy -r /home/me/photos sftp://me@nas:22/backup
//	vfsjob chmod -r 644X ftp://me@host/pub/site
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = setupLogging(ctx, false)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("vfsjob failed")
		stop()
		os.Exit(1)
	}
}
