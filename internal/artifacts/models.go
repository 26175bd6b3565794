package artifacts

type ArtifactKind string

const (
	DiskImageArtifact ArtifactKind = "disk-image" // Bootable disk image produced by a build
)

type Artifact struct {
	ID   string
	Kind ArtifactKind
	URI  string

	Checksum    *string
	ContentType string
	Metadata    map[string]any
}
