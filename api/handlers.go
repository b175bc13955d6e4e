package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/jmcleod/certmanager/manager"
)

// decodeFields reads a JSON object body into Fields, keeping numbers as
// json.Number. An empty body falls back to the query string so DELETE
// works without one.
func decodeFields(r *http.Request) (manager.Fields, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &manager.Error{Kind: manager.KindValidation, Code: manager.CodePayloadTooLarge, Message: "request body too large"}
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		f := manager.Fields{}
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				f[k] = v[0]
			}
		}
		return f, nil
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var f manager.Fields
	if err := dec.Decode(&f); err != nil {
		return nil, errInvalidJSON
	}
	if f == nil {
		f = manager.Fields{}
	}
	return f, nil
}

var errInvalidJSON = errors.New("request body must be a JSON object")

func decodeJSON(r *http.Request, v any) error {
	return decodeBody(json.NewDecoder(r.Body), v)
}

// decodeStrictJSON is decodeJSON but rejects fields v does not declare.
func decodeStrictJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return decodeBody(dec, v)
}

func decodeBody(dec *json.Decoder, v any) error {
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &manager.Error{Kind: manager.KindValidation, Code: manager.CodePayloadTooLarge, Message: "request body too large"}
		}
		if strings.HasPrefix(err.Error(), "json: unknown field") {
			return fmt.Errorf("%w: %s", errInvalidJSON, strings.TrimPrefix(err.Error(), "json: "))
		}
		return errInvalidJSON
	}
	return nil
}

// requestError renders body decoding failures: oversized bodies keep their
// manager code, anything else is a plain 400.
func (a *API) requestError(w http.ResponseWriter, r *http.Request, err error) {
	var e *manager.Error
	if errors.As(err, &e) {
		a.mapError(w, r, err)
		return
	}
	writeError(w, http.StatusBadRequest, 0, err.Error())
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

// ListCertificates returns every certificate, or one when ?refid= is given.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	opts := a.readOptions()
	if refid := r.URL.Query().Get("refid"); refid != "" {
		view, err := a.mgr.Certificate(r.Context(), refid, opts)
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
	views, err := a.mgr.Certificates(r.Context(), opts)
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
	writeData(w, http.StatusOK, CertificateList{Certificates: page, PaginationMeta: meta})
}

// CreateCertificate handles POST /system/certificate.
func (a *API) CreateCertificate(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFields(r)
	if err != nil {
		a.requestError(w, r, err)
		return
	}
	view, err := a.mgr.CreateCertificate(r.Context(), f)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCertificateCreated, r, view.RefID,
		slog.String("method", fmt.Sprint(f["method"])),
		slog.String("certtype", view.CertType.String()))
	writeData(w, http.StatusOK, view)
}

// UpdateCertificate handles PUT /system/certificate.
func (a *API) UpdateCertificate(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFields(r)
	if err != nil {
		a.requestError(w, r, err)
		return
	}
	view, err := a.mgr.UpdateCertificate(r.Context(), f)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCertificateUpdated, r, view.RefID)
	writeData(w, http.StatusOK, view)
}

// DeleteCertificate handles DELETE /system/certificate. The entity is
// selected by id, refid or descr, from the body or the query string.
func (a *API) DeleteCertificate(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFields(r)
	if err != nil {
		a.requestError(w, r, err)
		return
	}
	view, err := a.mgr.DeleteCertificate(r.Context(), f)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(AuditCertificateDeleted, r, view.RefID)
	writeData(w, http.StatusOK, view)
}

// SignCertificate handles POST /system/certificate/sign.
func (a *API) SignCertificate(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if err := decodeJSON(r, &req); err != nil {
		a.requestError(w, r, err)
		return
	}
	signReq, err := req.manager()
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	view, err := a.mgr.SignPending(r.Context(), req.RefID, signReq)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	issuer := view.CARef
	if issuer == "" {
		issuer = "external"
	}
	a.audit.log(AuditCertificateSigned, r, view.RefID, slog.String("issuer", issuer))
	writeData(w, http.StatusOK, view)
}

// ExportCertificate handles POST /system/certificate/export. Clients that
// accept application/json get the envelope with the payload base64 encoded;
// everyone else gets the file itself.
func (a *API) ExportCertificate(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := decodeJSON(r, &req); err != nil {
		a.requestError(w, r, err)
		return
	}
	res, err := a.mgr.Export(r.Context(), req.RefID, manager.ExportRequest{
		Format:       req.Format,
		Password:     req.Password,
		IncludeKey:   req.IncludeKey,
		IncludeChain: req.IncludeChain,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	withKey := res.Format != manager.ExportPEM || req.IncludeKey
	a.audit.log(AuditCertificateExported, r, req.RefID,
		slog.String("format", res.Format),
		slog.Bool("include_key", withKey))
	if withKey {
		a.audit.log(AuditPrivateKeyRevealed, r, req.RefID, slog.String("via", "export"))
	}

	if acceptsJSON(r) {
		writeData(w, http.StatusOK, ExportResponse{
			Format:      res.Format,
			ContentType: res.ContentType,
			Filename:    res.Filename,
			Data:        res.Data,
		})
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": res.Filename}))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

// MarkInUse handles POST /system/certificate/inuse.
func (a *API) MarkInUse(w http.ResponseWriter, r *http.Request) {
	a.holders(w, r, true)
}

// ReleaseInUse handles DELETE /system/certificate/inuse.
func (a *API) ReleaseInUse(w http.ResponseWriter, r *http.Request) {
	a.holders(w, r, false)
}

func (a *API) holders(w http.ResponseWriter, r *http.Request, add bool) {
	var req HolderRequest
	if err := decodeJSON(r, &req); err != nil {
		a.requestError(w, r, err)
		return
	}
	op, event := a.mgr.Release, AuditCertificateReleased
	if add {
		op, event = a.mgr.MarkInUse, AuditCertificateInUse
	}
	if err := op(r.Context(), req.RefID, req.Holder); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.log(event, r, req.RefID, slog.String("holder", req.Holder))
	writeData(w, http.StatusOK, req)
}

func acceptsJSON(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "application/json" {
			return true
		}
	}
	return false
}

// auditReveal records unscrubbed reads that carried private keys.
func (a *API) auditReveal(r *http.Request, opts manager.ReadOptions, refid string, revealed bool, attrs ...slog.Attr) {
	if !opts.DisableScrubbing || !revealed {
		return
	}
	a.audit.log(AuditPrivateKeyRevealed, r, refid, append([]slog.Attr{slog.String("via", "read")}, attrs...)...)
}
