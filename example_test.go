package vfskit_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobeaver/vfskit"
	"github.com/gobeaver/vfskit/driver/memory"
)

func ExampleParse() {
	p, err := vfskit.Parse("sftp://me@nas:2222/srv/backup/../photos")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(p.Authority().Host, p.Authority().Port)
	fmt.Println(p)
	fmt.Println(p.Name())
	fmt.Println(p.URI())
	// Output:
	// nas 2222
	// /srv/photos
	// photos
	// sftp://me@nas:2222/srv/photos
}

func ExampleVirtualPath_Relocate() {
	from := vfskit.MustParse("sftp://me@nas/srv")
	to := vfskit.MustParse("/tmp/restore")

	p, _ := vfskit.MustParse("sftp://me@nas/srv/2024/a.jpg").Relocate(from, to)
	fmt.Println(p.URI())
	// Output: file:///tmp/restore/2024/a.jpg
}

func ExampleRegistry() {
	ctx := context.Background()

	// The memory driver registers the mem scheme when imported.
	reg := vfskit.NewRegistry(nil, nil)
	defer reg.Close()

	p := vfskit.MustParse("mem://scratch/notes/todo.txt")
	prov, err := reg.Resolve(ctx, p)
	if err != nil {
		fmt.Println(err)
		return
	}

	w, _ := prov.OpenWrite(ctx, p, vfskit.WithCreateParents())
	_, _ = w.Write([]byte("buy milk"))
	_ = w.Close()

	fi, _ := prov.Stat(ctx, p, true)
	fmt.Println(fi.Name, fi.Size)

	entries, _ := vfskit.ReadDir(ctx, prov, p.Parent())
	for _, e := range entries {
		fmt.Println(e.Path)
	}
	for _, a := range reg.Authorities() {
		fmt.Println(a)
	}
	// Output:
	// todo.txt 8
	// /notes/todo.txt
	// mem://scratch
}

func ExampleSetMode() {
	ctx := context.Background()
	vol := memory.New("example")
	_ = vol.WriteFile("/run.sh", []byte("#!/bin/sh\n"))

	err := vfskit.SetMode(ctx, vfskit.NewReadOnlyProvider(vol), vol.Path("/run.sh"), 0o755)
	fmt.Println(err)

	_ = vfskit.SetMode(ctx, vol, vol.Path("/run.sh"), 0o755)
	fi, _ := vol.Stat(ctx, vol.Path("/run.sh"), false)
	fmt.Println(fi.Mode)
	// Output:
	// chmod /run.sh: read-only file system
	// -rwxr-xr-x
}

func ExampleExclude() {
	sel, _ := vfskit.Exclude("*.tmp", ".git")

	for _, name := range []string{"main.go", "build.tmp", ".git"} {
		p := vfskit.MustParse("mem://src/" + name)
		fi := &vfskit.FileInfo{Name: p.Name(), Path: p}
		fmt.Println(name, sel.Match(fi))
	}
	// Output:
	// main.go true
	// build.tmp false
	// .git false
}

func ExampleVerifyCopy() {
	ctx := context.Background()
	src, dst := memory.New("a"), memory.New("b")
	_ = src.WriteFile("/data.csv", []byte(strings.Repeat("1,2,3\n", 100)))

	_, err := vfskit.CopyFile(ctx, src, src.Path("/data.csv"), dst, dst.Path("/copy.csv"), 0, nil)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(vfskit.VerifyCopy(ctx, src, src.Path("/data.csv"), dst, dst.Path("/copy.csv")))
	// Output: <nil>
}
