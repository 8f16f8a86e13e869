package artifacts

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kdomanski/iso9660"
	"github.com/spf13/afero"

	"github.com/cochaviz/bsdimg/arch"
	"github.com/cochaviz/bsdimg/internal/build"
)

func writeReleaseISO(t *testing.T, fs afero.Fs, path string, files map[string]string) {
	t.Helper()

	writer, err := iso9660.NewWriter()
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	defer writer.Cleanup()

	for name, content := range files {
		if err := writer.AddFile(strings.NewReader(content), name); err != nil {
			t.Fatalf("AddFile(%s) error = %v", name, err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, "NETBSD_101"); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func isoContext() build.BuildContext {
	cfg := build.DefaultConfig("/build")
	cfg.Release, cfg.Arch = "10.1", arch.AMD64
	cfg.SetsISO = "/isos/NetBSD-10.1-amd64.iso"
	return build.BuildContext{Config: cfg, Spec: build.ReleaseSpecification{Sets: testSets}}
}

func TestISOStageCopiesSets(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	bc := isoContext()
	writeReleaseISO(t, fs, bc.Config.SetsISO, map[string]string{
		"amd64/binary/sets/base.tar.xz":         "base set",
		"amd64/binary/sets/comp.tar.xz":         "comp set",
		"amd64/binary/sets/kern-GENERIC.tar.xz": "kernel set",
		"i386/binary/sets/base.tar.xz":          "wrong port",
	})

	store := &LocalArtifactStore{FS: fs, ISO: &ISOSource{FS: fs}}
	loc, err := store.Resolve(context.Background(), bc)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if loc.NeedsFetch || loc.Dir != bc.Config.BuildDir {
		t.Fatalf("Resolve() = %+v, want staged build dir", loc)
	}

	got, err := afero.ReadFile(fs, "/build/kern-GENERIC.tar.xz")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "kernel set" {
		t.Fatalf("kernel content = %q", got)
	}
	if base, _ := afero.ReadFile(fs, "/build/base.tar.xz"); string(base) != "base set" {
		t.Fatalf("base content = %q, want the amd64 set", base)
	}
}

func TestISOStageReportsMissingSet(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	bc := isoContext()
	writeReleaseISO(t, fs, bc.Config.SetsISO, map[string]string{
		"amd64/binary/sets/base.tar.xz": "base set",
	})

	err := (&ISOSource{FS: fs}).Stage(context.Background(), bc)
	var retrievalErr *build.RetrievalError
	if !errors.As(err, &retrievalErr) {
		t.Fatalf("expected *RetrievalError, got %v", err)
	}
	if !strings.Contains(retrievalErr.Path, "comp.tar.xz") {
		t.Fatalf("RetrievalError.Path = %q", retrievalErr.Path)
	}
}

func TestMangleFileName(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"base.tar.xz":         "base_tar.xz;1",
		"kern-GENERIC.tar.xz": "kern-generic_tar.xz;1",
		"ec2_init":            "ec2_init;1",
	}
	for input, want := range cases {
		if got := mangleFileName(input); got != want {
			t.Errorf("mangleFileName(%q) = %q, want %q", input, got, want)
		}
	}
}
