package challenge

import (
	"time"

	"github.com/miragespace/ctfinstancer/spec"
)

// Challenge describes an instance-backed challenge. Each user (or every user, when Shared)
// receives a deployment of ManifestPath when requesting access.
type Challenge struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	Title             string    `json:"title" gorm:"not null"`
	Category          string    `json:"category"`
	Hidden            bool      `json:"hidden" gorm:"not null;default:false"`
	ManifestPath      string    `json:"-" gorm:"not null"`                    // Relative to the manifest directory
	ExpiryTime        int       `json:"expiryTime"`                           // Seconds an instance lives after a request or join
	Shared            bool      `json:"shared" gorm:"not null;default:false"` // Every user joins the same deployment
	HostFormat        string    `json:"-" gorm:"not null"`                    // e.g. "nc $(ip) $(port)"
	LoggingInfoFormat string    `json:"-"`                                    // Operator facing descriptor
	CreatedAt         time.Time `json:"-"`
	UpdatedAt         time.Time `json:"-"`
}

// Expiry returns how long an instance of this challenge lives
func (c *Challenge) Expiry() time.Duration {
	if c.ExpiryTime <= 0 {
		return spec.DefaultChallengeExpiry
	}
	return time.Duration(c.ExpiryTime) * time.Second
}
