package server

import (
	"net/http"

	"github.com/refly-ai/refly/internal/ctxutil"
	"github.com/refly-ai/refly/internal/model"
	"github.com/refly-ai/refly/internal/service/instance"
)

// HandleListInstances handles GET /skill/instance/list.
func (h *Handlers) HandleListInstances(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r, instance.DefaultPageSize, instance.MaxPageSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	instances, total, err := h.instances.List(r.Context(), model.InstanceFilter{
		UID:      ctxutil.UIDFromContext(r.Context()),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	if instances == nil {
		instances = []model.SkillInstance{}
	}
	writeList(w, r, instances, total, page, pageSize)
}

// HandleCreateInstances handles POST /skill/instance/new.
func (h *Handlers) HandleCreateInstances(w http.ResponseWriter, r *http.Request) {
	var body model.UpsertSkillInstanceRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	created, err := h.instances.Create(r.Context(), ctxutil.UIDFromContext(r.Context()), body.InstanceList)
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, created)
}

// HandleUpdateInstances handles POST /skill/instance/update.
func (h *Handlers) HandleUpdateInstances(w http.ResponseWriter, r *http.Request) {
	var body model.UpsertSkillInstanceRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	updated, err := h.instances.Update(r.Context(), ctxutil.UIDFromContext(r.Context()), body.InstanceList)
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteInstance handles POST /skill/instance/delete.
func (h *Handlers) HandleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	var body model.DeleteSkillInstanceRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	if err := h.instances.Delete(r.Context(), ctxutil.UIDFromContext(r.Context()), body.SkillID); err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, nil)
}

// HandleListTriggers handles GET /skill/trigger/list.
func (h *Handlers) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pageParams(r, instance.DefaultPageSize, instance.MaxPageSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	triggers, total, err := h.instances.ListTriggers(r.Context(), model.TriggerFilter{
		UID:      ctxutil.UIDFromContext(r.Context()),
		SkillID:  r.URL.Query().Get("skill_id"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	if triggers == nil {
		triggers = []model.SkillTrigger{}
	}
	writeList(w, r, triggers, total, page, pageSize)
}

// HandleCreateTrigger handles POST /skill/trigger/new.
func (h *Handlers) HandleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var body model.SkillTriggerInput
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	tr, err := h.instances.CreateTrigger(r.Context(), ctxutil.UIDFromContext(r.Context()), body)
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleUpdateTrigger handles POST /skill/trigger/update.
func (h *Handlers) HandleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var body model.SkillTriggerInput
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	tr, err := h.instances.UpdateTrigger(r.Context(), ctxutil.UIDFromContext(r.Context()), body)
	if err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleDeleteTrigger handles POST /skill/trigger/delete.
func (h *Handlers) HandleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	var body model.DeleteSkillTriggerRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeDecodeError(w, r, err)
		return
	}
	if err := h.instances.DeleteTrigger(r.Context(), ctxutil.UIDFromContext(r.Context()), body.TriggerID); err != nil {
		h.writeSkillError(w, r, err, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, nil)
}
