package domain

// MaxBatchSize bounds the events accepted in one ingest or resync call.
const MaxBatchSize = 500

// IngestRequest is the body of POST /api/ingest and /api/resync/<id>.
type IngestRequest struct {
	DeviceID string       `json:"device_id"`
	Events   []UsageEvent `json:"events"`
}

// Rejection reports events refused for one project.
type Rejection struct {
	Project string `json:"project"`
	Events  int    `json:"events"`
	Reason  string `json:"reason"`
}

// IngestAck acknowledges a batch. Duplicates were already stored.
type IngestAck struct {
	BatchID    string      `json:"batch_id"`
	Accepted   int         `json:"accepted"`
	Duplicates int         `json:"duplicates"`
	Rejected   []Rejection `json:"rejected,omitempty"`
	NewAlerts  int         `json:"new_alerts"`
}

type RegisterResponse struct {
	DeviceID     string `json:"device_id"`
	DeviceSecret string `json:"device_secret"`
	Tier         string `json:"tier"`
	DashboardURL string `json:"dashboard_url"`
}

// HeaderClaimKey carries the operator credential that authorizes a claim.
const HeaderClaimKey = "X-Claim-Key"

type ClaimRequest struct {
	DeviceID         string `json:"device_id"`
	Tier             string `json:"tier"`
	PaymentReference string `json:"payment_reference"`
}

type ClaimResponse struct {
	DeviceID string `json:"device_id"`
	Tier     string `json:"tier"`
	Changed  bool   `json:"changed"`
}
