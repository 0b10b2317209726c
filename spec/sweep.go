package spec

// SweepResult summarizes one reconciliation pass
type SweepResult struct {
	Expired         int `json:"expired"`         // expired instances torn down
	ExpiredFailures int `json:"expiredFailures"` // expired instances whose teardown failed
	Orphans         int `json:"orphans"`         // deployment directories without a tracked instance, removed
	OrphanFailures  int `json:"orphanFailures"`
}
