package manager

import (
	"context"
	"log/slog"

	"github.com/jmcleod/certmanager/pki"
)

// CreateCA validates f and creates a CA, either imported (method existing)
// or generated (method internal). An internal CA without caref is a
// self-signed root; with caref it is an intermediate of that CA.
func (m *Manager) CreateCA(ctx context.Context, f Fields) (*CAView, error) {
	m.mu.RLock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	cmd, err := m.validator(sn).caCreate(f)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Debug("CA create rejected", slog.Int("code", int(CodeOf(err))))
		return nil, err
	}

	ca := CA{Descr: cmd.Descr, Trust: cmd.Trust}
	switch src := cmd.Source.(type) {
	case ExistingPEM:
		ca.Crt = pki.EncodeCertificatePEM(src.Certificate)
		if ca.Prv, err = encodeKey(src.Key); err != nil {
			return nil, err
		}
	case InternalSource:
		err = m.work(ctx, func() error {
			key, err := m.generateKey(ctx, src.Key)
			if err != nil {
				return err
			}
			tmpl := pki.Template{
				Subject:  src.Subject,
				Lifetime: src.Lifetime,
				Digest:   src.Digest,
				Usage:    pki.UsageCA,
			}
			var built []byte
			if src.CARef == "" {
				cert, err := m.builder.SelfSigned(tmpl, key)
				if err != nil {
					return builderError(err)
				}
				built = pki.EncodeCertificatePEM(cert)
			} else {
				iss, err := issuer(sn.findCA(src.CARef))
				if err != nil {
					return err
				}
				cert, err := m.builder.Issue(tmpl, key.Public(), iss)
				if err != nil {
					return builderError(err)
				}
				built = pki.EncodeCertificatePEM(cert)
				ca.CARef = src.CARef
			}
			ca.Crt = built
			ca.Prv, err = encodeKey(key)
			return err
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, internalError("unknown create source", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sn, err = m.snapshot(ctx); err != nil {
		return nil, err
	}
	if ca.CARef != "" && sn.ca(ca.CARef) == nil {
		return nil, newError(CodeCARefNotFound, "caref does not match an existing CA")
	}
	if ca.CARef == "" {
		cert, err := pki.DecodeCertificatePEM(ca.Crt)
		if err != nil {
			return nil, internalError("re-reading certificate", err)
		}
		if !isSelfSigned(cert) {
			ca.CARef = m.indexCAs(sn).issuerOf(cert)
		}
	}
	if ca.RefID, err = sn.newRefID(); err != nil {
		return nil, internalError("allocating refid", err)
	}
	ca.Seq = sn.nextSeq()
	ca.CreatedAt = m.now().UTC()
	if err := m.store.commit(ctx, putCA(&ca, 0)); err != nil {
		return nil, internalError("storing CA", err)
	}
	m.logger.Info("CA created",
		slog.String("refid", ca.RefID),
		slog.String("descr", ca.Descr),
		slog.String("caref", ca.CARef))

	sn.cas = append(sn.cas, versioned[CA]{value: &ca, version: 1})
	v := m.caView(sn, &ca, ReadOptions{})
	return &v, nil
}

// CAs returns every CA in creation order.
func (m *Manager) CAs(ctx context.Context, opts ReadOptions) ([]CAView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CAView, 0, len(sn.cas))
	for _, v := range sn.cas {
		out = append(out, m.caView(sn, v.value, opts))
	}
	return out, nil
}

// CA returns one CA by refid.
func (m *Manager) CA(ctx context.Context, refid string, opts ReadOptions) (*CAView, error) {
	if refid == "" {
		return nil, newError(CodeRefIDRequired, "refid is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cur := sn.ca(refid)
	if cur == nil {
		return nil, newError(CodeCANotFound, "CA not found")
	}
	v := m.caView(sn, cur.value, opts)
	return &v, nil
}

// UpdateCA changes descr or trust, or replaces crt/prv.
func (m *Manager) UpdateCA(ctx context.Context, f Fields) (*CAView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	refid, _ := f.nonEmpty("refid")
	cur := sn.ca(refid)
	if cur == nil {
		return nil, newError(CodeCANotFound, "CA not found")
	}
	cmd, err := caUpdate(f, cur.value)
	if err != nil {
		m.logger.Debug("CA update rejected",
			slog.String("refid", refid), slog.Int("code", int(CodeOf(err))))
		return nil, err
	}

	ca := *cur.value
	if cmd.Descr != nil {
		ca.Descr = *cmd.Descr
	}
	if cmd.Trust != nil {
		ca.Trust = *cmd.Trust
	}
	if cmd.Certificate != nil {
		ca.Crt = pki.EncodeCertificatePEM(cmd.Certificate)
		ca.CARef = ""
		if !isSelfSigned(cmd.Certificate) {
			ix := m.indexCAs(sn)
			if ref := ix.issuerOf(cmd.Certificate); ref != ca.RefID {
				ca.CARef = ref
			}
		}
	}
	if cmd.Key != nil {
		if ca.Prv, err = encodeKey(cmd.Key); err != nil {
			return nil, err
		}
	}

	if err := m.store.commit(ctx, putCA(&ca, cur.version)); err != nil {
		return nil, internalError("storing CA", err)
	}
	m.logger.Info("CA updated", slog.String("refid", ca.RefID))

	*cur = versioned[CA]{value: &ca, version: cur.version + 1}
	v := m.caView(sn, &ca, ReadOptions{})
	return &v, nil
}

// DeleteCA removes the CA selected by id, refid or descr. A CA that holds
// holders or issued a stored certificate or CA is in use.
func (m *Manager) DeleteCA(ctx context.Context, f Fields) (*CAView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cur := resolveDelete(sn.cas, deleteCommand(f), func(c *CA) (string, string) { return c.RefID, c.Descr })
	if cur == nil {
		return nil, newError(CodeCANotFound, "CA not found")
	}
	if len(caInUse(sn, cur.value)) > 0 {
		return nil, newError(CodeCAInUse, "CA is in use")
	}

	view := m.caView(sn, cur.value, ReadOptions{})
	err = m.store.commit(ctx, write{recordType: recordTypeCA, id: cur.value.RefID, delete: true})
	if err != nil {
		return nil, internalError("deleting CA", err)
	}
	m.logger.Info("CA deleted", slog.String("refid", cur.value.RefID))
	return &view, nil
}

// caInUse lists what depends on ca: its holders, then the certificates and
// CAs it issued.
func caInUse(sn *snapshot, ca *CA) []string {
	inUse := append([]string{}, ca.Holders...)
	for _, v := range sn.certs {
		if v.value.CARef == ca.RefID {
			inUse = append(inUse, "certificate:"+v.value.Descr)
		}
	}
	for _, v := range sn.cas {
		if v.value.CARef == ca.RefID && v.value.RefID != ca.RefID {
			inUse = append(inUse, "ca:"+v.value.Descr)
		}
	}
	return inUse
}

func (m *Manager) caView(sn *snapshot, ca *CA, opts ReadOptions) CAView {
	v := CAView{
		RefID:        ca.RefID,
		Descr:        ca.Descr,
		CertType:     CertTypeSelfSigned,
		Trust:        ca.Trust,
		Crt:          ca.Crt,
		CARef:        ca.CARef,
		KeyAvailable: len(ca.Prv) > 0,
		InUse:        caInUse(sn, ca),
	}
	if cert, err := pki.DecodeCertificatePEM(ca.Crt); err == nil {
		v.CertType = certTypeOf(cert)
	}
	if opts.DisableScrubbing {
		v.Prv = ca.Prv
	}
	v.Details = m.describe(ca.RefID, ca.Crt, nil)
	return v
}
