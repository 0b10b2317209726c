package spec

import "time"

// Event describes a change in the lifecycle of an instance, published for other services
type Event struct {
	Type        EventType `json:"type"`
	InstanceID  uint      `json:"instanceId"`
	ChallengeID uint      `json:"challengeId"`
	UserID      uint      `json:"userId,omitempty"`
	Host        string    `json:"host,omitempty"`
	Expiry      time.Time `json:"expiry"`
	When        time.Time `json:"when"`
}

// RoutingKey will return a deterministic routing key for message broker
func (e *Event) RoutingKey() string {
	return "instance." + string(e.Type)
}
