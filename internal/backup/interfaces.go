package backup

import (
	"context"
)

// Snapshotter produces a consistent copy of a live database inside staging
type Snapshotter interface {
	Snapshot(ctx context.Context, livePath, targetPath string) (*SnapshotStats, error)
}

// Encryptor wraps a plaintext artifact in a passphrase-protected container
type Encryptor interface {
	Encrypt(ctx context.Context, artifactPath string) (*ArtifactHandle, error)
	Extension() string
}

// Transporter pushes a finished artifact to a remote location
type Transporter interface {
	Send(ctx context.Context, localPath string) (*TransferReceipt, error)
	// Destination exposes the remote namespace for retention.
	Destination() Destination
	Name() string
	Close() error
}

// Destination is a namespace holding artifacts that retention can list and prune
type Destination interface {
	List(ctx context.Context) ([]Artifact, error)
	Delete(ctx context.Context, name string) error
	String() string
}

// Notifier receives exactly one outcome per run
type Notifier interface {
	Notify(ctx context.Context, outcome Outcome) error
}
