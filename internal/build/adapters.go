package build

import "context"

// ArtifactStore locates distribution sets and retrieves the ones that are missing.
type ArtifactStore interface {
	// Resolve reports where the sets live and whether they must be fetched.
	Resolve(ctx context.Context, bc BuildContext) (Location, error)
	// Fetch retrieves every set, boot script and (when verifying) the signed
	// checksum manifest that is not already present in the build directory.
	Fetch(ctx context.Context, bc BuildContext) error
	// Archives returns the local path of every set in manifest order.
	Archives(location Location, manifest SetManifest) ([]ArchiveSet, error)
	// ManifestPath is where Fetch stores the signed checksum manifest.
	ManifestPath(bc BuildContext) string
}

// ScriptSource returns a local copy of an auxiliary rc.d script, fetching it
// when it is not cached.
type ScriptSource interface {
	Script(ctx context.Context, bc BuildContext, name string) (string, error)
}

// IntegrityVerifier checks the manifest signature and then every archive digest.
// It returns the archives with their verified digests filled in.
type IntegrityVerifier interface {
	Verify(ctx context.Context, bc BuildContext, manifestPath string, archives []ArchiveSet) ([]ArchiveSet, error)
}

// DeviceProvisioner allocates the image file and binds it to a vnd slot.
type DeviceProvisioner interface {
	// Provision may return a usable binding together with an error when the
	// failure happened after the device was bound.
	Provision(ctx context.Context, bc BuildContext) (DeviceBinding, error)
	// Unbind releases the slot. Releasing an unbound slot succeeds.
	Unbind(ctx context.Context, binding DeviceBinding) error
}

// PartitionPlanner writes the partition table and returns the binding with
// its root wedge resolved.
type PartitionPlanner interface {
	Partition(ctx context.Context, bc BuildContext, binding DeviceBinding) (DeviceBinding, error)
}

// FilesystemPopulator creates, fills and unmounts the root filesystem.
type FilesystemPopulator interface {
	Populate(ctx context.Context, bc BuildContext, binding DeviceBinding) error
}

// BootInstaller writes the boot blocks onto an unmounted root wedge.
type BootInstaller interface {
	InstallBoot(ctx context.Context, bc BuildContext, binding DeviceBinding) error
}

// PartitionLocator finds the device node of the partition carrying label.
type PartitionLocator interface {
	FindPartitionDevice(ctx context.Context, binding DeviceBinding, label string) (string, error)
}
