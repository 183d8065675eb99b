package models

import "time"

// Deployment kinds.
const (
	KindAgent   = "agent"
	KindWebsite = "website"
)

// Status is a deployment lifecycle state.
type Status string

const (
	StatusRequested    Status = "requested"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

var liveStates = map[Status]bool{
	StatusProvisioning: true,
	StatusRunning:      true,
	StatusFailed:       true,
	StatusStopped:      true,
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	return s == StatusRequested || liveStates[s]
}

// CanTransition reports whether moving from s to next is a legal edge.
// The lifecycle only moves forward: requested enters the live states,
// live states reconcile freely against backend-observed reality (a
// restart legally takes running back through provisioning), and nothing
// ever returns to requested. Deletion removes the record, so a deleted
// deployment has no state to transition from.
func (s Status) CanTransition(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if next == StatusRequested {
		return s == StatusRequested
	}
	return true
}

// Deployment is a tracked instance of a provisioned agent or website.
// Credentials supplied at creation time are handed to the provisioner and
// never stored on this record.
type Deployment struct {
	ID             string    `json:"deployment_id"`
	UserID         string    `json:"user_id"`
	Kind           string    `json:"kind"`
	Platform       string    `json:"platform,omitempty"`
	Model          string    `json:"model,omitempty"`
	WebsiteName    string    `json:"website_name,omitempty"`
	WebsiteType    string    `json:"website_type,omitempty"`
	Endpoint       string    `json:"endpoint"`
	ExternalID     string    `json:"external_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastReconciled time.Time `json:"last_reconciled_at"`
}

// Stats is a derived, read-only aggregate over the store. UniqueUsers is
// platform-wide and only populated for admins.
type Stats struct {
	Total       int  `json:"total_deployments"`
	Active      int  `json:"active_deployments"`
	Failed      int  `json:"failed_deployments"`
	UniqueUsers *int `json:"unique_users"`
}
