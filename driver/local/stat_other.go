//go:build unix && !linux && !darwin

package local

import "github.com/gobeaver/vfskit"

func readOnly(string) (bool, error) { return false, nil }

func getLabel(string) (string, error) { return "", vfskit.ErrNotSupported }

func setLabel(string, string) error { return vfskit.ErrNotSupported }
