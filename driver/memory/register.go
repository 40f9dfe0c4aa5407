package memory

import (
	"github.com/gobeaver/drivekit"
)

func init() {
	drivekit.RegisterDriver("memory", func(cfg *drivekit.Config) (drivekit.Backend, error) {
		return New(), nil
	})
}
