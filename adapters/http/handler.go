package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/trialgate/app"
	"github.com/artpar/trialgate/domain/trial"
	"github.com/artpar/trialgate/domain/usage"
	"github.com/artpar/trialgate/pkg/jsonapi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// maxBatch caps the number of events in one batch request.
const maxBatch = 500

// Handler serves the trial API.
type Handler struct {
	metering   *app.MeteringService
	conversion *app.ConversionService
	status     *app.StatusService
	logger     zerolog.Logger
}

// NewHandler creates a handler over the application services.
func NewHandler(metering *app.MeteringService, conversion *app.ConversionService, status *app.StatusService, logger zerolog.Logger) *Handler {
	return &Handler{
		metering:   metering,
		conversion: conversion,
		status:     status,
		logger:     logger,
	}
}

type startTrialAttrs struct {
	VariantKey        string `json:"variant_key"`
	BillingAccountRef string `json:"billing_account_ref"`
}

// StartTrial enrolls a tenant.
// POST /v1/tenants
func (h *Handler) StartTrial(w http.ResponseWriter, r *http.Request) {
	var attrs startTrialAttrs
	res, err := jsonapi.DecodeResource(r.Body, typeTenant, &attrs)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest(err.Error()))
		return
	}
	if res.ID == "" {
		jsonapi.WriteError(w, jsonapi.NewError(422, "validation_error", "Validation Failed").
			Detail("tenant id is required").Pointer("/data/id").Build())
		return
	}

	snap, err := h.metering.StartTrial(r.Context(), app.StartTrialRequest{
		TenantID:          res.ID,
		VariantKey:        attrs.VariantKey,
		BillingAccountRef: attrs.BillingAccountRef,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	t, err := h.status.Tenant(r.Context(), res.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonapi.WriteCreated(w, tenantResource(t, snap), "/v1/tenants/"+t.ID)
}

// Status returns the tenant's block decision.
// GET /v1/tenants/{id}/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.status.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, statusResource(snap))
}

// Periods lists the tenant's periods, newest first.
// GET /v1/tenants/{id}/periods
func (h *Handler) Periods(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.status.Tenant(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	history, err := h.status.History(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	number, size := jsonapi.ParsePageParams(r.URL.Query(), 20)
	page := jsonapi.NewPage(len(history), number, size, r.URL.Path)
	lo, hi := page.Bounds()

	resources := make([]jsonapi.Resource, 0, hi-lo)
	for _, p := range history[lo:hi] {
		resources = append(resources, periodResource(p))
	}
	jsonapi.WriteCollection(w, resources, page)
}

// PeriodEvents lists the idempotency rows counted in one period.
// GET /v1/tenants/{id}/periods/{periodID}/events
func (h *Handler) PeriodEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	periodID := chi.URLParam(r, "periodID")

	history, err := h.status.History(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	owned := false
	for _, p := range history {
		if p.ID == periodID {
			owned = true
			break
		}
	}
	if !owned {
		jsonapi.WriteError(w, jsonapi.ErrNotFound("period", periodID))
		return
	}

	events, err := h.status.AppliedEvents(r.Context(), periodID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	resources := make([]jsonapi.Resource, 0, len(events))
	for _, e := range events {
		resources = append(resources, appliedResource(e))
	}
	jsonapi.WriteCollection(w, resources, nil)
}

// Preview evaluates a hypothetical event without recording it.
// GET /v1/tenants/{id}/preview?duration_seconds=N
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var seconds int64
	if v := r.URL.Query().Get("duration_seconds"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			jsonapi.WriteError(w, jsonapi.NewError(422, "validation_error", "Validation Failed").
				Detail("duration_seconds must be an integer").Parameter("duration_seconds").Build())
			return
		}
		seconds = n
	}

	res, err := h.metering.Preview(r.Context(), id, seconds)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, jsonapi.NewResource(typePreview, id).
		Attr("duration_seconds", seconds).
		Attr("would_block", res.WouldBlock).
		Attr("current", decisionFields(res.Current)).
		Attr("next", decisionFields(res.Next)).
		Meta("status", res.Snapshot.Fields()).
		Build())
}

// Convert charges the tenant now and activates the paid plan.
// POST /v1/tenants/{id}/convert
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.writeConversion(w, r, id, "now", h.conversion.ConvertNow(r.Context(), id))
}

// Cancel ends the trial.
// POST /v1/tenants/{id}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.writeConversion(w, r, id, "cancel", h.conversion.Cancel(r.Context(), id))
}

func (h *Handler) writeConversion(w http.ResponseWriter, r *http.Request, id, mode string, res trial.ConversionResult) {
	switch {
	case res.Success:
		jsonapi.WriteResource(w, http.StatusOK, conversionResource(id, mode, res))
	case res.Pending:
		jsonapi.WriteResource(w, http.StatusAccepted, conversionResource(id, mode, res))
	default:
		e := errorFor(r, res.Err)
		e.Meta = jsonapi.Meta{"status": string(res.NewStatus), "kind": string(res.ErrorKind)}
		jsonapi.WriteError(w, e)
	}
}

type billingAccountAttrs struct {
	BillingAccountRef string `json:"billing_account_ref"`
}

// AttachBillingAccount records the tenant's billing account.
// PUT /v1/tenants/{id}/billing-account
func (h *Handler) AttachBillingAccount(w http.ResponseWriter, r *http.Request) {
	var attrs billingAccountAttrs
	if _, err := jsonapi.DecodeResource(r.Body, typeBillingAcct, &attrs); err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest(err.Error()))
		return
	}
	snap, err := h.conversion.AttachBillingAccount(r.Context(), chi.URLParam(r, "id"), attrs.BillingAccountRef)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, statusResource(snap))
}

type usageEventAttrs struct {
	TenantID        string     `json:"tenant_id"`
	DurationSeconds int64      `json:"duration_seconds"`
	HasPriorUsage   bool       `json:"has_prior_usage"`
	OccurredAt      *time.Time `json:"occurred_at"`
}

func (a usageEventAttrs) event(id string) usage.Event {
	e := usage.Event{
		ID:              id,
		TenantID:        a.TenantID,
		DurationSeconds: a.DurationSeconds,
		HasPriorUsage:   a.HasPriorUsage,
	}
	if a.OccurredAt != nil {
		e.OccurredAt = a.OccurredAt.UTC()
	}
	return e
}

// RecordUsage meters one completed call. The resource id is the event id.
// 201 when counted, 200 for a duplicate delivery.
// POST /v1/usage-events
func (h *Handler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var attrs usageEventAttrs
	res, err := jsonapi.DecodeResource(r.Body, typeEvent, &attrs)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest(err.Error()))
		return
	}

	result, err := h.metering.RecordUsage(r.Context(), attrs.event(res.ID))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := http.StatusCreated
	if !result.Applied {
		status = http.StatusOK
	}
	jsonapi.WriteResource(w, status, usageResource(res.ID, result))
}

// RecordBatch meters many events. Items fail independently; the response
// lists one resource per input in order.
// POST /v1/usage-events/batch
func (h *Handler) RecordBatch(w http.ResponseWriter, r *http.Request) {
	items, err := jsonapi.DecodeCollection(r.Body, typeEvent)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest(err.Error()))
		return
	}
	if len(items) == 0 {
		jsonapi.WriteError(w, jsonapi.ErrValidation("", "batch is empty"))
		return
	}
	if len(items) > maxBatch {
		jsonapi.WriteError(w, jsonapi.ErrValidation("", "batch exceeds "+strconv.Itoa(maxBatch)+" events"))
		return
	}

	events := make([]usage.Event, len(items))
	for i, item := range items {
		var attrs usageEventAttrs
		if len(item.Attributes) > 0 {
			if err := decodeAttrs(item.Attributes, &attrs); err != nil {
				jsonapi.WriteError(w, jsonapi.NewError(400, "bad_request", "Bad Request").
					Detail(err.Error()).Pointer("/data/"+strconv.Itoa(i)+"/attributes").Build())
				return
			}
		}
		events[i] = attrs.event(item.ID)
	}

	results, err := h.metering.RecordBatch(r.Context(), events)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	var applied, duplicates, failed int
	resources := make([]jsonapi.Resource, len(results))
	for i, br := range results {
		if br.Err != nil {
			failed++
			resources[i] = jsonapi.NewResource(typeEvent, br.EventID).
				Attr("applied", false).
				Attr("error", batchError(br.Err)).
				Build()
			continue
		}
		if br.Result.Applied {
			applied++
		} else {
			duplicates++
		}
		resources[i] = usageResource(br.EventID, br.Result)
	}

	jsonapi.WriteDocument(w, http.StatusOK, jsonapi.NewDocument().
		Data(resources).
		Meta("applied", applied).
		Meta("duplicates", duplicates).
		Meta("failed", failed).
		Build())
}

func decodeAttrs(raw json.RawMessage, dst any) error {
	return json.Unmarshal(raw, dst)
}
