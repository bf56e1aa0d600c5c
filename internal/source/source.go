// Package source provides the producer-side frame collaborators: a
// deterministic simulator, a serial-attached tracker reader, and an MQTT
// bridge. Each hands decoded frames to the broadcaster and owns no
// distribution logic of its own.
package source

import (
	"context"

	"github.com/trackcast/internal/wire"
)

// Source feeds captured frames into emit until the context is cancelled.
// Run returns nil on cancellation and an error on unrecoverable failure of
// the underlying capture device.
type Source interface {
	Run(ctx context.Context, emit func(*wire.Frame)) error
}
