package artifacts

import "context"

// Transport retrieves a remote file into a local path. Implementations must
// not leave a partial file at local when they fail.
type Transport interface {
	Retrieve(ctx context.Context, remote, local string) error
}
