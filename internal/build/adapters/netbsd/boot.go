package netbsd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cochaviz/bsdimg/internal/build"
	"github.com/cochaviz/bsdimg/internal/logging"
	"github.com/cochaviz/bsdimg/internal/system"
)

var _ build.BootInstaller = (*BootInstaller)(nil)

// BootInstaller writes the primary boot block onto the root wedge. The
// filesystem must not be mounted.
type BootInstaller struct {
	Runner   system.Runner
	BootCode *BootCodeCache
	Logger   *slog.Logger
}

func (b *BootInstaller) InstallBoot(ctx context.Context, bc build.BuildContext, binding build.DeviceBinding) error {
	primary, err := b.BootCode.Ensure(ctx, bc, bc.Spec.Boot.Primary)
	if err != nil {
		return &build.DeviceError{Stage: build.StateInstallingBoot, Op: "extract " + bc.Spec.Boot.Primary, Err: err}
	}

	cmd := system.Command{
		Name: "installboot",
		Args: []string{"-v", "-o", fmt.Sprintf("timeout=%d", bc.Config.BootTimeout), binding.RawRootNode(), primary},
	}
	if _, err := b.Runner.Run(ctx, cmd); err != nil {
		return &build.DeviceError{Stage: build.StateInstallingBoot, Op: "installboot", Err: err}
	}

	logging.Ensure(b.Logger).With("component", "boot").Info("boot blocks installed", "device", binding.RawRootNode())
	return nil
}
