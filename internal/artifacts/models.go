package artifacts

type ArtifactKind string

const (
	SetArtifact      ArtifactKind = "set"      // distribution set archive
	ScriptArtifact   ArtifactKind = "script"   // auxiliary rc.d script
	ManifestArtifact ArtifactKind = "manifest" // signed checksum manifest
)

// Artifact is a file the build needs from the distribution endpoint.
type Artifact struct {
	Kind   ArtifactKind
	Name   string
	Remote string
	Local  string
}
