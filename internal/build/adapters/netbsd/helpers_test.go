package netbsd

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"

	"github.com/cochaviz/bsdimg/arch"
	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/system"
	"github.com/cochaviz/bsdimg/internal/system/mock"
)

const wedgeListing = `/dev/rvnd0: 2 wedges:
dk0: swap, 524288 blocks at 2048, type: swap
dk1: root, 2473984 blocks at 526336, type: ffs
`

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTarXZ writes an xz-compressed tarball holding members to path.
func writeTarXZ(t *testing.T, fs afero.Fs, path string, members map[string]string) {
	t.Helper()

	var buf bytes.Buffer
	xzw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz.NewWriter() error = %v", err)
	}
	tw := tar.NewWriter(xzw)
	for name, content := range members {
		hdr := &tar.Header{Name: name, Mode: 0o444, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader() error = %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close() error = %v", err)
	}
	if err := xzw.Close(); err != nil {
		t.Fatalf("xz Close() error = %v", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// testContext builds a context whose base set carries the x86 boot code and
// whose other sets are plain marker files.
func testContext(t *testing.T, fs afero.Fs) build.BuildContext {
	t.Helper()

	cfg := build.DefaultConfig("/build")
	cfg.Release, cfg.Arch = "10.1", arch.AMD64

	sets := build.SetManifest{
		{Name: "base", Archive: "base.tar.xz"},
		{Name: "etc", Archive: "etc.tar.xz"},
		{Name: "kernel", Archive: "kern-GENERIC.tar.xz"},
	}
	writeTarXZ(t, fs, "/sets/base.tar.xz", map[string]string{
		"./usr/mdec/gptmbr.bin":   "gptmbr",
		"./usr/mdec/bootxx_ffsv2": "bootxx",
		"./usr/mdec/boot":         "boot",
		"./etc/marker":            "base",
	})

	var archives []build.ArchiveSet
	for _, set := range sets {
		path := "/sets/" + set.Archive
		if set.Name != "base" {
			if err := afero.WriteFile(fs, path, []byte("marker:"+set.Name), 0o644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
		}
		archives = append(archives, build.ArchiveSet{Set: set, Path: path})
	}

	return build.BuildContext{
		Config: cfg,
		Spec: build.ReleaseSpecification{
			Sets: sets,
			Boot: build.BootProfile{
				MBR:       "usr/mdec/gptmbr.bin",
				Primary:   "usr/mdec/bootxx_ffsv2",
				Secondary: "usr/mdec/boot",
			},
			BootScripts: []string{"ec2_init"},
			SwapLabel:   "swap",
			RootLabel:   "root",
			Fstab:       "NAME=root\t/\t\tffs\trw,noatime\t1 1\n",
			RCConf:      "hostname={{ .Hostname }}\n",
		},
		Archives: archives,
	}
}

// dkctl answers listwedges with wedgeListing and succeeds otherwise.
func dkctl(cmd system.Command) ([]byte, error) {
	if len(cmd.Args) > 1 && cmd.Args[1] == "listwedges" {
		return []byte(wedgeListing), nil
	}
	return nil, nil
}

type stubScripts struct {
	calls int
}

func (s *stubScripts) Script(_ context.Context, bc build.BuildContext, name string) (string, error) {
	s.calls++
	return filepath.Join(bc.Config.BuildDir, "rc.d", name), nil
}

func newRunner() *mock.Runner {
	runner := mock.NewRunner()
	runner.SideEffects["dkctl"] = dkctl
	return runner
}
