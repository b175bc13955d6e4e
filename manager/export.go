package manager

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/jmcleod/certmanager/pki"
	"github.com/jmcleod/certmanager/storage"
)

// SignPending fulfils a pending CSR. The issuer is the stored CA named by
// req.CARef, or the CA certificate and key carried in req.CACrt and
// req.CAPrv for cross-signing with a CA this manager does not hold.
func (m *Manager) SignPending(ctx context.Context, refid string, req SignRequest) (*CertificateView, error) {
	if refid == "" {
		return nil, newError(CodeRefIDRequired, "refid is required")
	}
	m.mu.RLock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	cur := sn.cert(refid)
	m.mu.RUnlock()
	if cur == nil {
		return nil, newError(CodeCertificateNotFound, "certificate not found")
	}
	if !cur.value.Pending() {
		return nil, newError(CodeNotPending, "certificate is not a pending signing request")
	}

	iss, err := m.signRequestIssuer(sn, req)
	if err != nil {
		return nil, err
	}
	opts, err := m.signRequestOptions(req)
	if err != nil {
		return nil, err
	}
	csr, err := pki.DecodeCSRPEM(cur.value.CSR)
	if err != nil {
		return nil, internalError("stored csr is unreadable", err)
	}

	var cert *x509.Certificate
	err = m.work(ctx, func() error {
		cert, err = m.builder.SignCSR(csr, iss, opts)
		if err != nil {
			return builderError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sn, err = m.snapshot(ctx); err != nil {
		return nil, err
	}
	latest := sn.cert(refid)
	if latest == nil {
		return nil, newError(CodeCertificateNotFound, "certificate not found")
	}
	if latest.version != cur.version || !latest.value.Pending() {
		return nil, newError(CodeNotPending, "certificate changed while it was being signed")
	}

	c := *latest.value
	c.Crt = pki.EncodeCertificatePEM(cert)
	c.Type = CertTypeReferencedCA
	if opts.Usage != "" {
		c.Usage = opts.Usage
	}
	c.CARef = req.CARef
	if c.CARef == "" || sn.ca(c.CARef) == nil {
		c.CARef = m.indexCAs(sn).issuerOf(cert)
	}
	if err := m.store.commit(ctx, putCert(&c, latest.version)); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, newError(CodeNotPending, "certificate changed while it was being signed")
		}
		return nil, internalError("storing certificate", err)
	}
	m.logger.Info("signing request fulfilled",
		slog.String("refid", c.RefID),
		slog.String("caref", c.CARef),
		slog.String("serial", cert.SerialNumber.Text(16)))

	*latest = versioned[Certificate]{value: &c, version: latest.version + 1}
	v := m.certificateView(sn, &c, ReadOptions{})
	return &v, nil
}

func (m *Manager) signRequestIssuer(sn *snapshot, req SignRequest) (pki.Issuer, error) {
	if req.CARef != "" {
		ca := sn.findCA(req.CARef)
		if ca == nil || len(ca.Prv) == 0 {
			return pki.Issuer{}, newError(CodeCARefNotFound, "caref does not name a CA with a private key")
		}
		return issuer(ca)
	}
	if req.CACrt == "" && req.CAPrv == "" {
		return pki.Issuer{}, newError(CodeCARefRequired, "caref or a CA certificate and key are required")
	}

	cert, err := pki.DecodeCertificatePEM(decodePayload(strings.TrimSpace(req.CACrt)))
	if err != nil {
		return pki.Issuer{}, codecError(err, CodeCrtInvalid, "CA certificate is not a valid PEM certificate")
	}
	if !cert.IsCA {
		return pki.Issuer{}, newError(CodeCrtInvalid, "CA certificate is not a CA")
	}
	key, err := parsePlainKey(decodePayload(strings.TrimSpace(req.CAPrv)))
	if err != nil {
		return pki.Issuer{}, err
	}
	if !pki.KeyMatchesPublicKey(cert.PublicKey, key) {
		return pki.Issuer{}, newError(CodeKeyMismatch, "CA key does not match the CA certificate")
	}
	return pki.Issuer{Certificate: cert, Key: key}, nil
}

func (m *Manager) signRequestOptions(req SignRequest) (pki.SignOptions, error) {
	opts := pki.SignOptions{
		Lifetime: req.Lifetime,
		Digest:   pki.DigestSHA256,
		AltNames: req.AltNames,
	}
	if opts.Lifetime == 0 {
		opts.Lifetime = min(DefaultLifetimeDays, m.maxLifetime)
	}
	if opts.Lifetime < 1 || opts.Lifetime > m.maxLifetime {
		return opts, newError(CodeLifetimeInvalid, "lifetime must be between 1 and the maximum lifetime")
	}
	if req.Digest != "" {
		d, err := pki.ParseDigest(string(req.Digest))
		if err != nil {
			return opts, wrapError(CodeDigestUnsupported, "digest_alg is not supported", err)
		}
		opts.Digest = d
	}
	if req.Usage != "" {
		u, err := pki.ParseUsage(string(req.Usage))
		if err != nil || u == pki.UsageCA {
			return opts, newError(CodeTypeUnsupported, "type must be one of server, client, user")
		}
		opts.Usage = u
	}
	return opts, nil
}

// ---------------------------------------------------------------------------
// Export
// ---------------------------------------------------------------------------

const (
	contentTypePEM    = "application/x-pem-file"
	contentTypePKCS12 = "application/x-pkcs12"
)

// exportable is the common shape of certificates and CAs for export.
type exportable struct {
	refid string
	crt   []byte
	prv   []byte
	csr   []byte
	caref string
}

// Export renders a certificate or CA. pem renders the certificate (or the
// CSR while pending) and, on request, its key and issuer chain; pkcs12 and
// pem_encrypted_key require a stored key.
func (m *Manager) Export(ctx context.Context, refid string, req ExportRequest) (*ExportResult, error) {
	if refid == "" {
		return nil, newError(CodeRefIDRequired, "refid is required")
	}
	m.mu.RLock()
	sn, err := m.snapshot(ctx)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var e exportable
	switch {
	case sn.cert(refid) != nil:
		c := sn.cert(refid).value
		e = exportable{refid: c.RefID, crt: c.Crt, prv: c.Prv, csr: c.CSR, caref: c.CARef}
	case sn.ca(refid) != nil:
		c := sn.ca(refid).value
		e = exportable{refid: c.RefID, crt: c.Crt, prv: c.Prv, caref: c.CARef}
	default:
		return nil, newError(CodeCertificateNotFound, "certificate not found")
	}

	format := req.Format
	if format == "" {
		format = ExportPEM
	}
	var res *ExportResult
	switch format {
	case ExportPEM:
		res, err = m.exportPEM(sn, e, req)
	case ExportPKCS12:
		err = m.work(ctx, func() error {
			res, err = m.exportPKCS12(sn, e, req)
			return err
		})
	case ExportPEMEncryptedKey:
		err = m.work(ctx, func() error {
			res, err = exportEncryptedKey(e, req)
			return err
		})
	default:
		return nil, newError(CodeExportUnavailable, "export format "+format+" is not supported")
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("exported",
		slog.String("refid", refid),
		slog.String("format", format),
		slog.Bool("include_key", req.IncludeKey || format != ExportPEM))
	return res, nil
}

func (m *Manager) exportPEM(sn *snapshot, e exportable, req ExportRequest) (*ExportResult, error) {
	if len(e.crt) == 0 {
		return &ExportResult{Format: ExportPEM, ContentType: contentTypePEM, Filename: e.refid + ".req", Data: e.csr}, nil
	}
	var buf bytes.Buffer
	buf.Write(e.crt)
	if req.IncludeKey {
		if len(e.prv) == 0 {
			return nil, newError(CodeExportUnavailable, "no private key is stored")
		}
		buf.Write(e.prv)
	}
	if req.IncludeChain {
		for _, ca := range chain(sn, e.caref) {
			buf.Write(ca.Crt)
		}
	}
	return &ExportResult{Format: ExportPEM, ContentType: contentTypePEM, Filename: e.refid + ".crt", Data: buf.Bytes()}, nil
}

func (m *Manager) exportPKCS12(sn *snapshot, e exportable, req ExportRequest) (*ExportResult, error) {
	cert, key, err := exportPair(e)
	if err != nil {
		return nil, err
	}
	bundle := &pki.Bundle{Certificate: cert, Key: key}
	for _, ca := range chain(sn, e.caref) {
		caCert, err := pki.DecodeCertificatePEM(ca.Crt)
		if err != nil {
			return nil, internalError("stored CA certificate is unreadable", err)
		}
		bundle.CACerts = append(bundle.CACerts, caCert)
	}
	data, err := pki.EncodePKCS12(bundle, req.Password)
	if err != nil {
		return nil, internalError("encoding PKCS#12", err)
	}
	return &ExportResult{Format: ExportPKCS12, ContentType: contentTypePKCS12, Filename: e.refid + ".p12", Data: data}, nil
}

func exportEncryptedKey(e exportable, req ExportRequest) (*ExportResult, error) {
	if req.Password == "" {
		return nil, newError(CodeExportUnavailable, "a password is required to encrypt the key")
	}
	_, key, err := exportPair(e)
	if err != nil {
		return nil, err
	}
	data, err := pki.EncryptPrivateKeyPEM(key, []byte(req.Password))
	if err != nil {
		return nil, internalError("encrypting private key", err)
	}
	return &ExportResult{Format: ExportPEMEncryptedKey, ContentType: contentTypePEM, Filename: e.refid + ".key", Data: data}, nil
}

func exportPair(e exportable) (*x509.Certificate, crypto.Signer, error) {
	if len(e.crt) == 0 || len(e.prv) == 0 {
		return nil, nil, newError(CodeExportUnavailable, "a certificate and its private key are required")
	}
	cert, err := pki.DecodeCertificatePEM(e.crt)
	if err != nil {
		return nil, nil, internalError("stored certificate is unreadable", err)
	}
	key, err := pki.DecodePrivateKeyPEM(e.prv)
	if err != nil {
		return nil, nil, internalError("stored key is unreadable", err)
	}
	return cert, key, nil
}

// chain walks caref links upward from caref, stopping at a root, a
// dangling reference or a cycle.
func chain(sn *snapshot, caref string) []*CA {
	var out []*CA
	seen := map[string]bool{}
	for caref != "" && !seen[caref] {
		seen[caref] = true
		ca := sn.findCA(caref)
		if ca == nil {
			break
		}
		out = append(out, ca)
		caref = ca.CARef
	}
	return out
}

// ---------------------------------------------------------------------------
// Holders
// ---------------------------------------------------------------------------

// MarkInUse records holder as depending on the certificate or CA refid.
// Marking a certificate with the active holder moves the holder off any
// other certificate.
func (m *Manager) MarkInUse(ctx context.Context, refid, holder string) error {
	return m.updateHolders(ctx, refid, holder, true)
}

// Release removes holder from the certificate or CA refid.
func (m *Manager) Release(ctx context.Context, refid, holder string) error {
	return m.updateHolders(ctx, refid, holder, false)
}

func (m *Manager) updateHolders(ctx context.Context, refid, holder string, add bool) error {
	if refid == "" || holder == "" {
		return newError(CodeRefIDRequired, "refid and holder are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return err
	}

	apply := func(holders []string) ([]string, bool) {
		has := slices.Contains(holders, holder)
		switch {
		case add && !has:
			return append(slices.Clone(holders), holder), true
		case !add && has:
			return slices.DeleteFunc(slices.Clone(holders), func(h string) bool { return h == holder }), true
		}
		return holders, false
	}

	var writes []write
	switch {
	case sn.cert(refid) != nil:
		cur := sn.cert(refid)
		c := *cur.value
		var changed bool
		if c.Holders, changed = apply(c.Holders); !changed {
			return nil
		}
		writes = append(writes, putCert(&c, cur.version))
		if add && holder == m.activeHolder {
			writes = append(writes, m.releaseHolder(sn, holder, refid)...)
		}
	case sn.ca(refid) != nil:
		cur := sn.ca(refid)
		ca := *cur.value
		var changed bool
		if ca.Holders, changed = apply(ca.Holders); !changed {
			return nil
		}
		writes = append(writes, putCA(&ca, cur.version))
	default:
		return newError(CodeCertificateNotFound, "certificate not found")
	}

	if err := m.store.commit(ctx, writes...); err != nil {
		return internalError("storing holders", err)
	}
	m.logger.Info("holders updated",
		slog.String("refid", refid),
		slog.String("holder", holder),
		slog.Bool("in_use", add))
	return nil
}
