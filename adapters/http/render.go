package http

import (
	"net/http"
	"time"

	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/domain/limit"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/pkg/jsonapi"
	"github.com/go-chi/chi/v5/middleware"
)

// Resource types.
const (
	typeTenant      = "tenants"
	typeStatus      = "trial-status"
	typePeriod      = "usage-periods"
	typeEvent       = "usage-events"
	typeApplied     = "applied-events"
	typePreview     = "usage-previews"
	typeConversion  = "conversions"
	typeBillingAcct = "billing-accounts"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(kind trial.ErrorKind) int {
	switch kind {
	case trial.KindInvalid:
		return http.StatusUnprocessableEntity
	case trial.KindNotFound:
		return http.StatusNotFound
	case trial.KindConflict:
		return http.StatusConflict
	case trial.KindRejected:
		return http.StatusPaymentRequired
	case trial.KindInvariant:
		return http.StatusLocked
	default:
		return http.StatusServiceUnavailable
	}
}

// errorFor converts a service error to a JSON:API error.
func errorFor(r *http.Request, err error) jsonapi.Error {
	kind := app.Kind(err)
	var e jsonapi.Error
	switch kind {
	case trial.KindInvalid:
		e = jsonapi.ErrValidation("", err.Error())
	case trial.KindNotFound:
		e = jsonapi.NewError(404, "not_found", "Not Found").Detail(err.Error()).Build()
	case trial.KindConflict:
		e = jsonapi.ErrConflict(err.Error())
	case trial.KindRejected:
		e = jsonapi.ErrPaymentRequired(err.Error())
	case trial.KindInvariant:
		e = jsonapi.ErrLocked(err.Error())
	default:
		e = jsonapi.ErrServiceUnavailable(err.Error())
	}
	e.ID = middleware.GetReqID(r.Context())
	return e
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	jsonapi.WriteError(w, errorFor(r, err))
}

func statusResource(s trial.Snapshot) jsonapi.Resource {
	return jsonapi.NewResource(typeStatus, s.TenantID).
		Attrs(s.Fields()).
		BelongsTo("period", typePeriod, s.PeriodID).
		Link("/v1/tenants/" + s.TenantID + "/status").
		Build()
}

func tenantResource(t trial.Tenant, s trial.Snapshot) jsonapi.Resource {
	b := jsonapi.NewResource(typeTenant, t.ID).
		Attr("variant_key", t.VariantKey).
		Attr("status", string(t.Status)).
		Attr("trial_period_end", t.TrialPeriodEnd.UTC().Format(time.RFC3339)).
		Attr("frozen", t.Frozen).
		Attr("created_at", t.CreatedAt.UTC().Format(time.RFC3339)).
		BelongsTo("billing_account", typeBillingAcct, t.BillingAccountRef).
		Link("/v1/tenants/" + t.ID)
	if t.BlockReason != "" {
		b.Attr("block_reason", string(t.BlockReason))
	}
	if t.FrozenReason != "" {
		b.Attr("frozen_reason", t.FrozenReason)
	}
	return b.Meta("decision", s.Fields()).Build()
}

func periodResource(p usage.Period) jsonapi.Resource {
	b := jsonapi.NewResource(typePeriod, p.ID).
		Attr("start", p.Start.UTC().Format(time.RFC3339)).
		Attr("end", p.End.UTC().Format(time.RFC3339)).
		Attr("calls_consumed", p.CallsConsumed).
		Attr("duration_consumed_seconds", p.DurationConsumedSeconds).
		Attr("minutes_used", p.MinutesUsed()).
		Attr("open", p.IsOpen()).
		BelongsTo("tenant", typeTenant, p.TenantID)
	if p.ArchivedAt != nil {
		b.Attr("archived_at", p.ArchivedAt.UTC().Format(time.RFC3339))
	}
	if p.PrunedAt != nil {
		b.Attr("pruned_at", p.PrunedAt.UTC().Format(time.RFC3339))
	}
	return b.Build()
}

func appliedResource(a usage.AppliedEvent) jsonapi.Resource {
	return jsonapi.NewResource(typeApplied, a.EventID).
		Attr("duration_seconds", a.DurationSeconds).
		Attr("has_prior_usage", a.HasPriorUsage).
		Attr("applied_at", a.AppliedAt.UTC().Format(time.RFC3339)).
		BelongsTo("period", typePeriod, a.PeriodID).
		Build()
}

func decisionFields(d limit.Decision) map[string]any {
	return map[string]any{
		"exceeded":      d.Exceeded,
		"limit_reached": d.LimitReached,
		"dimension":     string(d.Dimension),
		"percent_used":  d.PercentUsed,
		"calls_used":    d.CallsUsed,
		"calls_limit":   d.CallsLimit,
		"minutes_used":  d.MinutesUsed,
		"minutes_limit": d.MinutesLimit,
	}
}

func usageResource(eventID string, res app.UsageResult) jsonapi.Resource {
	return jsonapi.NewResource(typeEvent, eventID).
		Attr("applied", res.Applied).
		Attr("transitioned", res.Transitioned).
		Attr("decision", decisionFields(res.Decision)).
		BelongsTo("period", typePeriod, res.Period.ID).
		BelongsTo("tenant", typeTenant, res.Snapshot.TenantID).
		Meta("status", res.Snapshot.Fields()).
		Build()
}

func conversionResource(tenantID, mode string, res trial.ConversionResult) jsonapi.Resource {
	return jsonapi.NewResource(typeConversion, tenantID).
		Attr("mode", mode).
		Attr("success", res.Success).
		Attr("new_status", string(res.NewStatus)).
		Attr("already_converted", res.AlreadyConverted).
		Attr("pending", res.Pending).
		BelongsTo("tenant", typeTenant, tenantID).
		Build()
}

// batchError renders a per-item failure inside a batch response.
func batchError(err error) map[string]any {
	kind := app.Kind(err)
	return map[string]any{
		"status": statusFor(kind),
		"code":   string(kind),
		"detail": err.Error(),
	}
}
