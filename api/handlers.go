package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/certforge/attr"
	"github.com/jmcleod/certforge/connector"
	"github.com/jmcleod/certforge/engine"
	"github.com/jmcleod/certforge/profile"
	"github.com/jmcleod/certforge/request"
)

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

func (a *API) ListProfiles(w http.ResponseWriter, r *http.Request) {
	resp := ListProfilesResponse{Profiles: []ProfileSummary{}}
	for _, id := range a.engine.Profiles().IDs() {
		p, err := a.engine.Profiles().Get(id)
		if err != nil {
			continue
		}
		resp.Profiles = append(resp.Profiles, profileSummary(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var body CreateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ProfileID == "" || body.ClassID == "" {
		writeError(w, http.StatusBadRequest, "profile_id and class_id are required")
		return
	}
	p, err := a.engine.Profiles().Create(body.ProfileID, body.ClassID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditProfileCreated, r,
		slog.String("profile_id", body.ProfileID),
		slog.String("class_id", body.ClassID))
	writeJSON(w, http.StatusCreated, profileSummary(p))
}

func (a *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.engine.Profiles().Get(chi.URLParam(r, "profileID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileSummary(p))
}

func (a *API) GetProfileConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	cfg, err := a.engine.Profiles().Config(id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileConfigResponse{ProfileID: id, Config: cfg})
}

func (a *API) SetProfileConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	var body ProfileConfigResponse
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.engine.Profiles().SetConfig(id, body.Config); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) CommitProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	if err := a.engine.Profiles().Commit(id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditProfileCommitted, r, slog.String("profile_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) EnableProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	var body EnableProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	if err := a.engine.Profiles().Enable(id, body.Actor); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditProfileEnabled, r,
		slog.String("profile_id", id), slog.String("actor", body.Actor))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) DisableProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	if err := a.engine.Profiles().Disable(id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditProfileDisabled, r, slog.String("profile_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	if err := a.engine.Profiles().Delete(id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditProfileDeleted, r, slog.String("profile_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func profileSummary(p *profile.Profile) ProfileSummary {
	return ProfileSummary{
		ProfileID:       p.ID(),
		ClassID:         p.ClassID(),
		RequestType:     string(p.RequestType()),
		Enabled:         p.Enabled(),
		EnabledBy:       p.EnabledBy(),
		AuthenticatorID: p.AuthenticatorID(),
		ManualApproval:  p.ManualApproval(),
	}
}

// ---------------------------------------------------------------------------
// Connectors
// ---------------------------------------------------------------------------

func (a *API) ListConnectors(w http.ResponseWriter, r *http.Request) {
	ids, err := a.engine.Connectors().IDs()
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ListConnectorsResponse{Connectors: []connector.Info{}}
	for _, id := range ids {
		info, err := a.engine.Connectors().GetInfo(id)
		if err != nil {
			continue
		}
		resp.Connectors = append(resp.Connectors, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) AddConnector(w http.ResponseWriter, r *http.Request) {
	var info connector.Info
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if info.ID == "" || info.Host == "" || info.Port <= 0 {
		writeError(w, http.StatusBadRequest, "id, host, and port are required")
		return
	}
	if err := a.engine.Connectors().AddConnector(info); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditConnectorAdded, r,
		slog.String("connector_id", info.ID),
		slog.String("host", info.Host),
		slog.Int("port", info.Port))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetConnector(w http.ResponseWriter, r *http.Request) {
	info, err := a.engine.Connectors().GetInfo(chi.URLParam(r, "connectorID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) AddConnectorHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectorID")
	var body ConnectorHostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.engine.Connectors().AddHost(id, body.Host, body.Port); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditConnectorHost, r,
		slog.String("connector_id", id),
		slog.String("host", body.Host),
		slog.Int("port", body.Port))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) RemoveConnectorHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectorID")
	var body ConnectorHostRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := a.engine.Connectors().RemoveConnector(id, body.Host, body.Port); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditConnectorRemoved, r,
		slog.String("connector_id", id),
		slog.String("host", body.Host),
		slog.Int("port", body.Port))
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (a *API) ListRequests(w http.ResponseWriter, r *http.Request) {
	ids, err := a.engine.Queue().List(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ListRequestsResponse{RequestIDs: []string{}}
	for _, id := range ids {
		resp.RequestIDs = append(resp.RequestIDs, id.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ProfileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id is required")
		return
	}
	result, err := a.engine.Submit(r.Context(), body.ProfileID, profile.AuthToken(body.Token), body.Params)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditRequestSubmitted, r,
		slog.String("profile_id", body.ProfileID),
		slog.String("request_id", result.RequestID.String()),
		slog.String("status", string(result.Status)))
	writeJSON(w, http.StatusCreated, submitResponse(result))
}

func (a *API) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, err := a.engine.Queue().Get(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView(req))
}

func (a *API) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	result, err := a.engine.ApproveRequest(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditRequestApproved, r, slog.String("request_id", id.String()))
	writeJSON(w, http.StatusOK, submitResponse(result))
}

func (a *API) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	if err := a.engine.RejectRequest(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditRequestRejected, r, slog.String("request_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) CancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	if err := a.engine.CancelRequest(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditRequestCanceled, r, slog.String("request_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func parseRequestID(s string) (request.ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return request.ID(n), nil
}

func submitResponse(result *engine.SubmitResult) SubmitResponse {
	resp := SubmitResponse{
		RequestID: result.RequestID.String(),
		Status:    string(result.Status),
		Outputs:   result.Outputs,
	}
	for _, pe := range result.PolicyErrors {
		resp.PolicyErrors = append(resp.PolicyErrors, PolicyErrorView{
			RuleID: pe.RuleID, Reason: pe.Reason, SubItem: pe.SubItem,
		})
	}
	return resp
}

func requestView(req *request.Request) RequestView {
	attrs := make(map[string]string)
	for _, key := range req.Bag().Keys() {
		v, _ := req.Bag().Get(key)
		switch v.Kind() {
		case attr.KindString:
			attrs[key] = v.AsString()
		case attr.KindInt:
			attrs[key] = strconv.FormatInt(v.AsInt(), 10)
		default:
			attrs[key] = "<binary>"
		}
	}
	view := RequestView{
		RequestID:    req.ID().String(),
		Type:         string(req.Type()),
		Status:       string(req.Status()),
		Attributes:   attrs,
		CreatedAt:    req.CreatedAt().UTC().Format(time.RFC3339),
		LastModified: req.LastModified().UTC().Format(time.RFC3339),
	}
	for _, pe := range req.PolicyErrors() {
		view.PolicyErrors = append(view.PolicyErrors, PolicyErrorView{
			RuleID: pe.RuleID, Reason: pe.Reason, SubItem: pe.SubItem,
		})
	}
	return view
}
