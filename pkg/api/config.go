package api

import (
	"time"

	"github.com/marmos91/coyote/pkg/config"
	"github.com/marmos91/coyote/pkg/digest"
)

// Options carries the collaborators of the API server.
type Options struct {
	// Connector backs /status, /health/ready and the pause controls. May be
	// nil, in which case those endpoints report unavailable.
	Connector *Connector

	// Authenticator guards /status and the connector controls. nil leaves
	// them open.
	Authenticator *digest.Authenticator
}

// applyDefaults fills zero values so a server built directly (in tests for
// example) behaves like one built from a loaded configuration.
func applyDefaults(cfg *config.APIConfig) {
	if cfg.Port <= 0 {
		cfg.Port = config.DefaultAPIPort
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}
