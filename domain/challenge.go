package domain

import (
	"time"
)

// Challenge is a static catalog entry. The catalog is loaded once at startup
// and never mutated afterwards.
type Challenge struct {
	ID          string
	Name        string
	Description string
	Deployer    string
	Image       string
	TTL         time.Duration
	Attachments []string
}
