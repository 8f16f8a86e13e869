package netbsd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
	"github.com/cochaviz/bsdimg/internal/system"
)

var _ build.PartitionPlanner = (*GPTPartitioner)(nil)

// GPTPartitioner lays out swap followed by a root partition filling the rest
// of the disk, and makes the root partition bootable from BIOS.
type GPTPartitioner struct {
	Runner   system.Runner
	BootCode *BootCodeCache
	Locator  build.PartitionLocator
	Logger   *slog.Logger
}

func (p *GPTPartitioner) Partition(ctx context.Context, bc build.BuildContext, binding build.DeviceBinding) (build.DeviceBinding, error) {
	spec := bc.Spec
	device := binding.Device
	logger := logging.Ensure(p.Logger).With("component", "partitioner", "device", device)

	fail := func(op string, err error) (build.DeviceBinding, error) {
		return binding, &build.DeviceError{Stage: build.StatePartitioning, Op: op, Err: err}
	}

	swapSize := fmt.Sprintf("%dm", bc.Config.SwapSize>>20)
	steps := []system.Command{
		{Name: "gpt", Args: []string{"add", "-a", "1m", "-s", swapSize, "-t", "swap", "-l", spec.SwapLabel, device}},
		{Name: "gpt", Args: []string{"add", "-a", "1m", "-t", "ffs", "-l", spec.RootLabel, device}},
	}
	for _, step := range steps {
		if _, err := p.Runner.Run(ctx, step); err != nil {
			return fail("add partition", err)
		}
	}

	mbr, err := p.BootCode.Ensure(ctx, bc, spec.Boot.MBR)
	if err != nil {
		return fail("extract "+spec.Boot.MBR, err)
	}
	if _, err := p.Runner.Run(ctx, system.Command{Name: "gpt", Args: []string{"biosboot", "-A", "-c", mbr, "-L", spec.RootLabel, device}}); err != nil {
		return fail("mark boot partition", err)
	}

	if _, err := p.Runner.Run(ctx, system.Command{Name: "dkctl", Args: []string{device, "makewedges"}}); err != nil {
		return fail("create wedges", err)
	}
	wedge, err := p.Locator.FindPartitionDevice(ctx, binding, spec.RootLabel)
	if err != nil {
		return fail("find root wedge", err)
	}

	binding.RootWedge = wedge
	logger.Info("partitioned", "swap", swapSize, "root", wedge)
	return binding, nil
}
