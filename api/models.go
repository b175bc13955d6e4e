package api

import (
	"github.com/jmcleod/certmanager/manager"
	"github.com/jmcleod/certmanager/pki"
)

// Response is the envelope every endpoint returns. Return carries the
// stable manager error code, or 0 on success.
type Response struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Return  int    `json:"return"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// CertificateList is the data of GET /system/certificate.
type CertificateList struct {
	Certificates []manager.CertificateView `json:"certificates"`
	PaginationMeta
}

// CAList is the data of GET /system/ca.
type CAList struct {
	CAs []manager.CAView `json:"cas"`
	PaginationMeta
}

// SignRequest is the JSON body for POST /system/certificate/sign.
type SignRequest struct {
	RefID     string           `json:"refid"`
	CARef     string           `json:"caref,omitempty"`
	CACrt     string           `json:"ca_crt,omitempty"`
	CAPrv     string           `json:"ca_prv,omitempty"`
	Lifetime  int              `json:"lifetime,omitempty"`
	DigestAlg string           `json:"digest_alg,omitempty"`
	Type      string           `json:"type,omitempty"`
	AltNames  []map[string]any `json:"altnames,omitempty"`
}

// ExportRequest is the JSON body for POST /system/certificate/export.
type ExportRequest struct {
	RefID        string `json:"refid"`
	Format       string `json:"format"`
	Password     string `json:"password,omitempty"`
	IncludeKey   bool   `json:"include_key,omitempty"`
	IncludeChain bool   `json:"include_chain,omitempty"`
}

// ExportResponse is the data of POST /system/certificate/export when the
// client asks for JSON. Data is base64 encoded by encoding/json.
type ExportResponse struct {
	Format      string `json:"format"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename"`
	Data        []byte `json:"data"`
}

// HolderRequest is the JSON body for the in-use endpoints.
type HolderRequest struct {
	RefID  string `json:"refid"`
	Holder string `json:"holder"`
}

// Settings is the data of /system/api.
type Settings struct {
	ScrubSensitiveData bool `json:"scrub_sensitive_data"`
}

// SettingsUpdate is the JSON body for PUT /system/api. Older callers send
// scrubbing_sensitive_data; scrub_sensitive_data wins when both are set.
type SettingsUpdate struct {
	ScrubSensitiveData     *bool `json:"scrub_sensitive_data"`
	ScrubbingSensitiveData *bool `json:"scrubbing_sensitive_data"`
}

func (u SettingsUpdate) scrub() *bool {
	if u.ScrubSensitiveData != nil {
		return u.ScrubSensitiveData
	}
	return u.ScrubbingSensitiveData
}

func (r SignRequest) manager() (manager.SignRequest, error) {
	req := manager.SignRequest{
		CARef:    r.CARef,
		CACrt:    r.CACrt,
		CAPrv:    r.CAPrv,
		Lifetime: r.Lifetime,
	}
	if r.DigestAlg != "" {
		d, err := pki.ParseDigest(r.DigestAlg)
		if err != nil {
			return req, &manager.Error{Kind: manager.KindValidation, Code: manager.CodeDigestUnsupported, Message: "digest_alg unsupported", Err: err}
		}
		req.Digest = d
	}
	if r.Type != "" {
		u, err := pki.ParseUsage(r.Type)
		if err != nil {
			return req, &manager.Error{Kind: manager.KindValidation, Code: manager.CodeTypeUnsupported, Message: "type unsupported", Err: err}
		}
		req.Usage = u
	}
	if r.AltNames != nil {
		names, err := manager.ParseAltNames(r.AltNames)
		if err != nil {
			return req, err
		}
		req.AltNames = &names
	}
	return req, nil
}
