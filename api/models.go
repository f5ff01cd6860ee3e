package api

import "github.com/jmcleod/certforge/connector"

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateProfileRequest is the JSON body for POST /profiles.
type CreateProfileRequest struct {
	ProfileID string `json:"profile_id"`
	ClassID   string `json:"class_id"`
}

// ProfileSummary describes one published profile.
type ProfileSummary struct {
	ProfileID       string `json:"profile_id"`
	ClassID         string `json:"class_id"`
	RequestType     string `json:"request_type"`
	Enabled         bool   `json:"enabled"`
	EnabledBy       string `json:"enabled_by,omitempty"`
	AuthenticatorID string `json:"authenticator_id,omitempty"`
	ManualApproval  bool   `json:"manual_approval,omitempty"`
}

// ListProfilesResponse is returned from GET /profiles.
type ListProfilesResponse struct {
	Profiles []ProfileSummary `json:"profiles"`
}

// ProfileConfigResponse carries a profile's durable config properties.
type ProfileConfigResponse struct {
	ProfileID string            `json:"profile_id"`
	Config    map[string]string `json:"config"`
}

// EnableProfileRequest is the JSON body for POST /profiles/{id}/enable.
type EnableProfileRequest struct {
	Actor string `json:"actor"`
}

// ListConnectorsResponse is returned from GET /connectors.
type ListConnectorsResponse struct {
	Connectors []connector.Info `json:"connectors"`
}

// ConnectorHostRequest addresses one host:port alternative.
type ConnectorHostRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SubmitRequestBody is the JSON body for POST /requests.
type SubmitRequestBody struct {
	ProfileID string            `json:"profile_id"`
	Token     map[string]string `json:"token,omitempty"`
	Params    map[string]string `json:"params"`
}

// PolicyErrorView renders one recorded constraint violation.
type PolicyErrorView struct {
	RuleID  string `json:"rule_id"`
	Reason  string `json:"reason"`
	SubItem int    `json:"sub_item"`
}

// SubmitResponse is returned from POST /requests and the approve
// endpoint. Outputs may carry single-delivery secrets exactly once.
type SubmitResponse struct {
	RequestID    string            `json:"request_id"`
	Status       string            `json:"status"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	PolicyErrors []PolicyErrorView `json:"policy_errors,omitempty"`
}

// RequestView renders one persisted request.
type RequestView struct {
	RequestID    string            `json:"request_id"`
	Type         string            `json:"type"`
	Status       string            `json:"status"`
	Attributes   map[string]string `json:"attributes"`
	PolicyErrors []PolicyErrorView `json:"policy_errors,omitempty"`
	CreatedAt    string            `json:"created_at"`
	LastModified string            `json:"last_modified"`
}

// ListRequestsResponse is returned from GET /requests.
type ListRequestsResponse struct {
	RequestIDs []string `json:"request_ids"`
}
