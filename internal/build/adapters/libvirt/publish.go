package libvirt

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
)

const uploadChunk = 4 << 20

// PoolPublisher uploads a finished image into a libvirt storage pool as a raw
// volume, replacing a volume of the same name.
type PoolPublisher struct {
	ConnectURI string
	Pool       string
	FS         afero.Fs
	Logger     *slog.Logger
}

// Publish returns the path libvirt reports for the uploaded volume.
func (p *PoolPublisher) Publish(ctx context.Context, output build.BuildOutput) (string, error) {
	if p.Pool == "" {
		return "", &build.ConfigError{Field: "publish_pool", Message: "no storage pool given"}
	}
	logger := logging.Ensure(p.Logger).With("component", "publisher", "pool", p.Pool)

	fs := p.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	image, err := fs.Open(output.ImagePath)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer image.Close()

	conn, err := libvirt.NewConnect(p.ConnectURI)
	if err != nil {
		return "", fmt.Errorf("open libvirt connection %s: %w", p.ConnectURI, err)
	}
	defer conn.Close()

	pool, err := conn.LookupStoragePoolByName(p.Pool)
	if err != nil {
		return "", fmt.Errorf("lookup storage pool %s: %w", p.Pool, err)
	}
	defer pool.Free()

	name := VolumeName(output.ImagePath)
	if err := removeVolume(pool, name); err != nil {
		return "", err
	}

	desc, err := volumeXML(name, output.Size)
	if err != nil {
		return "", err
	}
	vol, err := pool.StorageVolCreateXML(desc, 0)
	if err != nil {
		return "", fmt.Errorf("create volume %s: %w", name, err)
	}
	defer vol.Free()

	logger.Info("uploading image", "volume", name, "bytes", output.Size)
	if err := upload(ctx, conn, vol, image, output.Size); err != nil {
		return "", fmt.Errorf("upload volume %s: %w", name, err)
	}

	path, err := vol.GetPath()
	if err != nil {
		return "", err
	}
	logger.Info("image published", "volume", name, "path", path)
	return path, nil
}

func upload(ctx context.Context, conn *libvirt.Connect, vol *libvirt.StorageVol, r io.Reader, size int64) error {
	stream, err := conn.NewStream(0)
	if err != nil {
		return err
	}
	defer stream.Free()

	if err := vol.Upload(stream, 0, uint64(size), 0); err != nil {
		return err
	}

	buf := make([]byte, uploadChunk)
	for {
		if err := ctx.Err(); err != nil {
			_ = stream.Abort()
			return err
		}
		n, readErr := r.Read(buf)
		for sent := 0; sent < n; {
			m, err := stream.Send(buf[sent:n])
			if err != nil {
				_ = stream.Abort()
				return err
			}
			sent += m
		}
		if errors.Is(readErr, io.EOF) {
			return stream.Finish()
		}
		if readErr != nil {
			_ = stream.Abort()
			return readErr
		}
	}
}

func removeVolume(pool *libvirt.StoragePool, name string) error {
	vol, err := pool.LookupStorageVolByName(name)
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_VOL) {
			return nil
		}
		return fmt.Errorf("lookup volume %s: %w", name, err)
	}
	defer vol.Free()

	if err := vol.Delete(0); err != nil && !isInLibvirtErrors(err, libvirt.ERR_NO_STORAGE_VOL) {
		return fmt.Errorf("delete volume %s: %w", name, err)
	}
	return nil
}

// VolumeName derives the volume name from the image file name.
func VolumeName(imagePath string) string {
	name := filepath.Base(imagePath)
	if strings.HasSuffix(name, ".img") {
		return name
	}
	return name + ".img"
}

type volume struct {
	XMLName    xml.Name `xml:"volume"`
	Type       string   `xml:"type,attr"`
	Name       string   `xml:"name"`
	Capacity   capacity `xml:"capacity"`
	Allocation capacity `xml:"allocation"`
	Target     struct {
		Format struct {
			Type string `xml:"type,attr"`
		} `xml:"format"`
	} `xml:"target"`
}

type capacity struct {
	Unit  string `xml:"unit,attr"`
	Value int64  `xml:",chardata"`
}

func volumeXML(name string, size int64) (string, error) {
	if size <= 0 {
		return "", fmt.Errorf("volume %s: invalid size %d", name, size)
	}
	v := volume{
		Type:       "file",
		Name:       name,
		Capacity:   capacity{Unit: "bytes", Value: size},
		Allocation: capacity{Unit: "bytes", Value: 0},
	}
	v.Target.Format.Type = "raw"

	out, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}

	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}

	return slices.Contains(codes, libErr.Code)
}
