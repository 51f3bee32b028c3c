package main

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/job"
)

func newTransferCmd(flags *rootFlags, kind job.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   kind.String() + " SOURCE... TARGET_DIR",
		Short: strings.ToUpper(kind.String()[:1]) + kind.String()[1:] + " files into a directory",
		Long: `Every SOURCE ends up below TARGET_DIR under its own name. Directories
are always transferred with their content. The root of a zip archive
(archive:///a.zip!/) is extracted into a directory named after the archive.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := parsePaths(args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), flags, job.Request{
				Kind:    kind,
				Sources: paths[:len(paths)-1],
				Target:  paths[len(paths)-1],
			})
		},
	}
}

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PATH...",
		Short: "Delete files and directory trees",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := parsePaths(args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), flags, job.Request{Kind: job.KindDelete, Sources: paths})
		},
	}
}

func newChmodCmd(flags *rootFlags) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:   "chmod MODE PATH...",
		Short: "Change permissions",
		Long: `MODE is octal, optionally followed by X: 644X sets rw-r--r-- and keeps
(or, with --x-policy=posix, grants) execute where it makes sense.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, x, err := parseMode(args[0])
			if err != nil {
				return err
			}
			modePolicy, err := job.ParseModePolicy(policy)
			if err != nil {
				return err
			}
			paths, err := parsePaths(args[1:])
			if err != nil {
				return err
			}
			return run(cmd.Context(), flags, job.Request{
				Kind:       job.KindSetMode,
				Sources:    paths,
				Mode:       mode,
				ModeX:      x,
				ModePolicy: modePolicy,
			})
		},
	}
	cmd.Flags().StringVar(&policy, "x-policy", "", "how X is resolved: carry or posix (default from VFSKIT_MODE_X_POLICY)")
	return cmd
}

func newPrincipalCmd(flags *rootFlags, kind job.Kind) *cobra.Command {
	what := "owner"
	if kind == job.KindSetGroup {
		what = "group"
	}
	return &cobra.Command{
		Use:   kind.String() + " " + strings.ToUpper(what) + " PATH...",
		Short: "Change the " + what + ", by name or numeric id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := parsePaths(args[1:])
			if err != nil {
				return err
			}
			req := job.Request{Kind: kind, Sources: paths}
			if kind == job.KindSetGroup {
				req.Group = parsePrincipal(args[0])
			} else {
				req.Owner = parsePrincipal(args[0])
			}
			return run(cmd.Context(), flags, req)
		},
	}
}

func newLabelCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "label LABEL PATH...",
		Short: "Change the security label (SELinux context)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := parsePaths(args[1:])
			if err != nil {
				return err
			}
			return run(cmd.Context(), flags, job.Request{
				Kind:          job.KindSetSecurityLabel,
				Sources:       paths,
				SecurityLabel: args[0],
			})
		},
	}
}

func newWriteCmd(flags *rootFlags) *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "write PATH",
		Short: "Replace a file with --content or standard input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parsePath(args[0])
			if err != nil {
				return err
			}
			data := []byte(content)
			if !cmd.Flags().Changed("content") {
				data, err = io.ReadAll(os.Stdin)
				if err != nil {
					return errors.Errorf("reading stdin: %w", err)
				}
			}
			return run(cmd.Context(), flags, job.Request{Kind: job.KindWriteBytes, Target: target, Content: data})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "content to write instead of standard input")
	return cmd
}

func newCreateCmd(flags *rootFlags, kind job.Kind) *cobra.Command {
	short := "Create a directory"
	if kind == job.KindCreateFile {
		short = "Create an empty file"
	}
	return &cobra.Command{
		Use:   kind.String() + " PATH",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return run(cmd.Context(), flags, job.Request{Kind: kind, Target: target})
		},
	}
}

// parseMode parses an octal mode with an optional trailing X.
func parseMode(s string) (os.FileMode, bool, error) {
	digits, x := strings.CutSuffix(s, "X")
	n, err := strconv.ParseUint(digits, 8, 32)
	if err != nil || n&^uint64(os.ModePerm) != 0 {
		return 0, false, errors.Errorf("invalid mode %q", s)
	}
	return os.FileMode(n), x, nil
}

// parsePrincipal treats numbers as ids and anything else as a name.
func parsePrincipal(s string) vfskit.Principal {
	if id, err := strconv.Atoi(s); err == nil && id >= 0 {
		return vfskit.Principal{ID: id}
	}
	return vfskit.Principal{ID: -1, Name: s}
}
