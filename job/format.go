package job

import (
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/gobeaver/vfskit"
)

var verbs = map[Kind]string{
	KindCopy:             "Copying",
	KindMove:             "Moving",
	KindSave:             "Saving",
	KindDelete:           "Deleting",
	KindSetGroup:         "Changing group of",
	KindSetMode:          "Changing mode of",
	KindSetOwner:         "Changing owner of",
	KindSetSecurityLabel: "Changing security label of",
	KindWriteBytes:       "Writing",
	KindCreateDirectory:  "Creating",
	KindCreateFile:       "Creating",
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

// fileName is the display name of p. Roots show as "/", the root of an
// archive as the archive's base name.
func fileName(p vfskit.VirtualPath) string {
	if !p.IsRoot() {
		return p.Name()
	}
	if auth := p.Authority(); auth.Scheme == vfskit.SchemeArchive {
		return path.Base(auth.Archive)
	}
	return "/"
}

// targetName is the name a source gets below a copy target. The root of an
// archive is extracted into a directory named after the archive without
// its extension.
func targetName(src vfskit.VirtualPath) string {
	if src.IsRoot() && src.Authority().Scheme == vfskit.SchemeArchive {
		base := path.Base(src.Authority().Archive)
		if ext := path.Ext(base); ext != "" && ext != base {
			base = strings.TrimSuffix(base, ext)
		}
		return base
	}
	return src.Name()
}

// scaleProgress halves total and done until total fits an int32, so that
// 64-bit byte counts can drive an int progress bar.
func scaleProgress(total, done int64) (int, int) {
	for total > math.MaxInt32 {
		total /= 2
		done /= 2
	}
	if done > total {
		done = total
	}
	if done < 0 {
		done = 0
	}
	return int(total), int(done)
}

func formatScan(kind Kind, scan ScanInfo) Progress {
	return Progress{
		Kind:  kind,
		Phase: PhaseScan,
		Title: fmt.Sprintf("Preparing to %s %s (%s)", kind, plural(scan.FileCount, "file", "files"),
			humanize.IBytes(uint64(max(scan.Size, 0)))),
		Indeterminate: true,
		Scan:          scan,
	}
}

// formatTransferSize renders progress measured in bytes, for copies and
// moves.
func formatTransferSize(kind Kind, t TransferInfo, current vfskit.VirtualPath) Progress {
	p := Progress{Kind: kind, Phase: PhaseTransfer, Transfer: t, Current: current}
	if t.FileCount == 1 {
		p.Title = fmt.Sprintf("%s %s to %s", verbs[kind], fileName(current), fileName(t.Target))
		p.Text = fmt.Sprintf("%s of %s", humanize.IBytes(uint64(max(t.TransferredSize, 0))),
			humanize.IBytes(uint64(max(t.Size, 0))))
	} else {
		p.Title = fmt.Sprintf("%s %d files to %s", verbs[kind], t.FileCount, fileName(t.Target))
		p.Text = fmt.Sprintf("%d of %d", min(t.TransferredFileCount+1, t.FileCount), t.FileCount)
	}
	p.Max, p.Value = scaleProgress(t.Size, t.TransferredSize)
	return p
}

// formatTransferCount renders progress measured in nodes, for deletes and
// attribute changes.
func formatTransferCount(kind Kind, t TransferInfo, current vfskit.VirtualPath) Progress {
	p := Progress{Kind: kind, Phase: PhaseTransfer, Transfer: t, Current: current}
	if t.FileCount == 1 {
		p.Title = fmt.Sprintf("%s %s", verbs[kind], fileName(current))
		p.Indeterminate = true
		return p
	}
	p.Title = fmt.Sprintf("%s %d files", verbs[kind], t.FileCount)
	p.Text = fmt.Sprintf("%d of %d", min(t.TransferredFileCount+1, t.FileCount), t.FileCount)
	p.Max, p.Value = scaleProgress(int64(t.FileCount), int64(t.TransferredFileCount))
	return p
}

// errorTitles are the prompt titles per category.
var errorTitles = map[Category]string{
	CategoryTransfer:       "Unable to transfer",
	CategoryExists:         "File already exists",
	CategoryCopyIntoItself: "Cannot copy into itself",
	CategorySpecialFile:    "Cannot copy special file",
	CategoryDelete:         "Unable to delete",
	CategorySetOwner:       "Unable to change owner",
	CategorySetGroup:       "Unable to change group",
	CategorySetMode:        "Unable to change mode",
	CategorySetLabel:       "Unable to change security label",
	CategoryCreate:         "Unable to create",
	CategoryScan:           "Unable to read",
}
