package instance

import (
	"time"

	"github.com/miragespace/ctfinstancer/spec"
)

// State is derived from the persisted fields of an Instance
type State string

// An instance with an empty host is still deploying. A retired instance is no longer handed
// out and waits for its teardown, which the sweep retries until it succeeds
const (
	StateDeploying State = "Deploying"
	StateRunning   State = "Running"
	StateRetired   State = "Retired"
	StateDestroyed State = "Destroyed"
)

// Instance describes one deployment of a challenge
type Instance struct {
	ID             uint           `json:"id" gorm:"primaryKey"`
	ChallengeID    uint           `json:"challengeId" gorm:"index"`
	Destroyed      bool           `json:"destroyed" gorm:"index"`
	Retired        bool           `json:"retired" gorm:"index"` // set before teardown starts or when the deployment failed
	Expiry         time.Time      `json:"expiry" gorm:"index"`
	DeploymentPath string         `json:"-" gorm:"uniqueIndex"` // name of the working directory under the deployments root
	Host           string         `json:"host"`                 // only written after a successful deployment
	LoggingInfo    string         `json:"loggingInfo"`
	Outputs        spec.Outputs   `json:"-"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	UserInstances  []UserInstance `json:"-"`
}

// UserInstance records a user joining an Instance. Rows are never deleted since they
// also serve as the request history for the cooldown
type UserInstance struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	InstanceID     uint      `json:"instanceId" gorm:"index"`
	UserID         uint      `json:"userId" gorm:"index"`
	ChallengeID    uint      `json:"challengeId" gorm:"index"`
	KillProcessed  bool      `json:"killProcessed"`
	RequestCreated time.Time `json:"requestCreated" gorm:"index"`
}

// State returns the lifecycle state of the instance
func (i *Instance) State() State {
	switch {
	case i.Destroyed:
		return StateDestroyed
	case i.Retired:
		return StateRetired
	case len(i.Host) == 0:
		return StateDeploying
	default:
		return StateRunning
	}
}

// LiveJoins returns the joins which were not released yet
func (i *Instance) LiveJoins() []UserInstance {
	live := make([]UserInstance, 0, len(i.UserInstances))
	for _, ui := range i.UserInstances {
		if !ui.KillProcessed {
			live = append(live, ui)
		}
	}
	return live
}
