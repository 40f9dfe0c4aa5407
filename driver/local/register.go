package local

import "github.com/gobeaver/drivekit"

func init() {
	drivekit.RegisterDriver("local", func(cfg *drivekit.Config) (drivekit.Backend, error) {
		return New(cfg.LocalRoot)
	})
}
