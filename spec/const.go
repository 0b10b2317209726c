package spec

import "time"

// Define constants shared by the API, the task runner and the admin CLI
const (
	DefaultChallengeExpiry  time.Duration = time.Second * 86400
	DefaultSweepInterval    time.Duration = time.Minute
	DefaultProvisionTimeout time.Duration = time.Minute * 10

	DeploymentsDirectory string = "deployments"
)

// FrozenUntil is returned by the cooldown gate while spawning is frozen
var FrozenUntil = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

type EventType string

const (
	EventDeployed     EventType = "deployed"
	EventDeployFailed EventType = "deploy_failed"
	EventJoined       EventType = "joined"
	EventReleased     EventType = "released"
	EventDestroyed    EventType = "destroyed"
)
