package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() ActionRequest {
	return ActionRequest{
		AgentName:       "sales-bot",
		Reason:          "new inbound lead",
		BusinessContext: "crm",
		RequestedAction: "create_lead",
		TenantID:        "t-1",
		UserID:          "u-1",
		RequestID:       "req-1",
		Payload:         map[string]interface{}{"name": "ACME"},
	}
}

func TestActionRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *ActionRequest)
		wantErr string
	}{
		{name: "valid", mutate: func(r *ActionRequest) {}},
		{name: "account instead of user", mutate: func(r *ActionRequest) { r.UserID = ""; r.AccountID = "acc-1" }},
		{name: "missing agent", mutate: func(r *ActionRequest) { r.AgentName = "" }, wantErr: "agent_name"},
		{name: "missing request id", mutate: func(r *ActionRequest) { r.RequestID = "  " }, wantErr: "request_id"},
		{name: "several missing", mutate: func(r *ActionRequest) { r.Reason = ""; r.TenantID = "" }, wantErr: "reason, tenant_id"},
		{name: "no user and no account", mutate: func(r *ActionRequest) { r.UserID = "" }, wantErr: "either user_id or account_id"},
		{name: "user and account", mutate: func(r *ActionRequest) { r.AccountID = "acc-1" }, wantErr: "only one of"},
		{name: "negative estimate", mutate: func(r *ActionRequest) { r.AIBatteryEstimate = -1 }, wantErr: "non-negative"},
		{name: "nan estimate", mutate: func(r *ActionRequest) { r.AIBatteryEstimate = math.NaN() }, wantErr: "non-negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestActionRequest_SanitizeDropsApprovalCredentials(t *testing.T) {
	r := validRequest()
	r.ApprovalToken = "secret-token"
	r.HumanApprovalID = "ha-1"

	s := r.Sanitize()
	assert.Equal(t, r.RequestID, s.RequestID)
	assert.Equal(t, r.Payload, s.Payload)
	assert.True(t, r.HasApproval())
}

func TestKey_StringEscapesSeparators(t *testing.T) {
	a := Key{TenantID: "a:b", RequestID: "c"}
	b := Key{TenantID: "a", RequestID: "b:c"}
	assert.NotEqual(t, a.String(), b.String())
}

func TestNewActionRecord_CreatedBy(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := validRequest()
	r.UserID = ""
	r.AccountID = "acc-9"
	r.Payload = nil

	rec := NewActionRecord(&r, now)
	assert.Equal(t, "acc-9", rec.CreatedBy)
	assert.Equal(t, now, rec.CreatedAt)
	assert.NotNil(t, rec.Payload)
}

func TestAuditLogRequest_Validate(t *testing.T) {
	req := AuditLogRequest{ActionRequest: validRequest()}
	require.NoError(t, req.Validate())
	assert.Equal(t, AuditManual, req.Status)

	req.Status = "weird"
	assert.ErrorIs(t, req.Validate(), ErrValidation)

	req.Status = AuditFailure
	assert.ErrorIs(t, req.Validate(), ErrValidation)

	req.ErrorMessage = "connector timed out"
	assert.NoError(t, req.Validate())

	req.Status = AuditSuccess
	assert.ErrorIs(t, req.Validate(), ErrValidation)
}

func TestResult_RoundTripKeepsRecordBytes(t *testing.T) {
	res, err := NewResult("crm/create_lead", map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(res.Record))

	var out map[string]int
	require.NoError(t, res.DecodeRecord(&out))
	assert.Equal(t, 1, out["a"])

	_, err = DecodeResult([]byte("{broken"))
	assert.Error(t, err)
}

func TestNewActionRecord_PayloadIsDetached(t *testing.T) {
	r := validRequest()
	r.Payload = map[string]interface{}{
		"name":  "ACME",
		"tags":  []interface{}{"a"},
		"owner": map[string]interface{}{"id": "u-1"},
	}

	rec := NewActionRecord(&r, time.Now())
	r.Payload["name"] = "changed"
	r.Payload["tags"].([]interface{})[0] = "changed"
	r.Payload["owner"].(map[string]interface{})["id"] = "changed"

	assert.Equal(t, "ACME", rec.Payload["name"])
	assert.Equal(t, []interface{}{"a"}, rec.Payload["tags"])
	assert.Equal(t, "u-1", rec.Payload["owner"].(map[string]interface{})["id"])

	clone := rec.Clone()
	clone.Payload["owner"].(map[string]interface{})["id"] = "other"
	assert.Equal(t, "u-1", rec.Payload["owner"].(map[string]interface{})["id"])
}
