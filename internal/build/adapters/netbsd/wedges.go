package netbsd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/system"
)

// wedgeLine matches dkctl listwedges output such as
// "dk1: root, 2473984 blocks at 526336, type: ffs".
var wedgeLine = regexp.MustCompile(`^(dk[0-9]+): ([^,]+),`)

var _ build.PartitionLocator = (*WedgeLocator)(nil)

// WedgeLocator finds partitions through the wedges dkctl(8) reports.
type WedgeLocator struct {
	Runner system.Runner
}

// FindPartitionDevice returns the dk node whose wedge name equals label.
func (l *WedgeLocator) FindPartitionDevice(ctx context.Context, binding build.DeviceBinding, label string) (string, error) {
	out, err := l.Runner.Run(ctx, system.Command{Name: "dkctl", Args: []string{binding.Device, "listwedges"}})
	if err != nil {
		return "", err
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		match := wedgeLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if match != nil && match[2] == label {
			return match[1], nil
		}
	}
	return "", fmt.Errorf("no wedge labelled %q on %s", label, binding.Device)
}

// Mounted reports whether anything is mounted on mountPoint according to mount(8).
func Mounted(ctx context.Context, runner system.Runner, mountPoint string) (bool, error) {
	out, err := runner.Run(ctx, system.Command{Name: "mount"})
	if err != nil {
		return false, err
	}
	needle := " on " + strings.TrimRight(mountPoint, "/") + " "
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, needle) {
			return true, nil
		}
	}
	return false, nil
}
