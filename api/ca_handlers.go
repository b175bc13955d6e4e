package api

import (
	"fmt"
	"log/slog"
	"net/http"
)

// ListCAs returns every CA, or one when ?refid= is given.
func (a *API) ListCAs(w http.ResponseWriter, r *http.Request) {
	opts := a.readOptions()
	if refid := r.URL.Query().Get("refid"); refid != "" {
		view, err := a.mgr.CA(r.Context(), refid, opts)
		if err != nil {
			a.mapError(w, r, err)
			return
		}
		a.auditReveal(r, opts, view.RefID, len(view.Prv) > 0)
		writeData(w, http.StatusOK, view)
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		a.requestError(w, r, err)
		return
	}
	views, err := a.mgr.CAs(r.Context(), opts)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	page, meta := paginate(views, limit, offset)
	revealed := 0
	for _, v := range page {
		if len(v.Prv) > 0 {
			revealed++
		}
	}
	a.auditReveal(r, opts, "", revealed > 0, slog.Int("count", revealed))
	writeData(w, http.StatusOK, CAList{CAs: page, PaginationMeta: meta})
}

// CreateCA handles POST /system/ca.
func (a *API) CreateCA(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFields(r)
	if err != nil {
		a.requestError(w, r, err)
		return
	}
	view, err := a.mgr.CreateCA(r.Context(), f)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCACreated, r, view.RefID,
		slog.String("method", fmt.Sprint(f["method"])),
		slog.String("caref", view.CARef))
	writeData(w, http.StatusOK, view)
}

// UpdateCA handles PUT /system/ca.
func (a *API) UpdateCA(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFields(r)
	if err != nil {
		a.requestError(w, r, err)
		return
	}
	view, err := a.mgr.UpdateCA(r.Context(), f)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCAUpdated, r, view.RefID)
	writeData(w, http.StatusOK, view)
}

// DeleteCA handles DELETE /system/ca.
func (a *API) DeleteCA(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFields(r)
	if err != nil {
		a.requestError(w, r, err)
		return
	}
	view, err := a.mgr.DeleteCA(r.Context(), f)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCADeleted, r, view.RefID)
	writeData(w, http.StatusOK, view)
}

// GetSettings handles GET /system/api.
func (a *API) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, Settings{ScrubSensitiveData: a.scrub.Load()})
}

// UpdateSettings handles PUT /system/api. The toggle lives in memory only;
// the configured value applies again after a restart.
func (a *API) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsUpdate
	if err := decodeStrictJSON(r, &req); err != nil {
		a.requestError(w, r, err)
		return
	}
	if scrub := req.scrub(); scrub != nil {
		if old := a.scrub.Swap(*scrub); old != *scrub {
			a.audit.log(AuditSettingsChanged, r, "",
				slog.Bool("scrub_sensitive_data", *scrub))
		}
	}
	writeData(w, http.StatusOK, Settings{ScrubSensitiveData: a.scrub.Load()})
}
