package manager

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmcleod/certmanager/internal/util"
	"github.com/jmcleod/certmanager/pki"
	"github.com/jmcleod/certmanager/storage"
)

// Manager is the certificate and CA registry. It is safe for concurrent
// use: mutations hold the write lock, reads hold the read lock, and key
// generation and signing run outside the lock, bounded by a worker
// semaphore.
type Manager struct {
	mu           sync.RWMutex
	store        *store
	builder      *pki.Builder
	keygen       pki.KeyGenerator
	sem          *semaphore.Weighted
	logger       *slog.Logger
	now          func() time.Time
	activeHolder string
	maxLifetime  int
}

// New opens (or initialises) the store in repo and returns a Manager for
// it. WithPassphrase is required.
func New(ctx context.Context, repo storage.Repository, opts ...Option) (*Manager, error) {
	o := options{
		logger:       slog.Default(),
		keygen:       pki.NewSoftwareKeyGenerator(),
		now:          time.Now,
		namespace:    DefaultNamespace,
		kdfParams:    util.DefaultArgon2idParams(),
		workers:      runtime.NumCPU(),
		activeHolder: DefaultActiveHolder,
		maxLifetime:  MaxLifetimeDays,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.maxLifetime < 1 {
		o.maxLifetime = MaxLifetimeDays
	}

	st, err := openStore(ctx, repo, o.namespace, o.passphrase, o.kdfParams, o.now().UTC())
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:        st,
		builder:      pki.NewBuilder(pki.WithClock(o.now)),
		keygen:       o.keygen,
		sem:          semaphore.NewWeighted(int64(o.workers)),
		logger:       o.logger,
		now:          o.now,
		activeHolder: o.activeHolder,
		maxLifetime:  o.maxLifetime,
	}, nil
}

func (m *Manager) validator(sn *snapshot) validator {
	return validator{maxLifetime: m.maxLifetime, findCA: sn.findCA}
}

// work runs fn once a worker slot is free.
func (m *Manager) work(ctx context.Context, fn func() error) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.sem.Release(1)
	return fn()
}

// snapshot loads the current entity set. Callers hold m.mu.
func (m *Manager) snapshot(ctx context.Context) (*snapshot, error) {
	sn, err := m.store.load(ctx)
	if err != nil {
		return nil, internalError("loading entities", err)
	}
	return sn, nil
}

func (m *Manager) generateKey(ctx context.Context, spec pki.KeySpec) (crypto.Signer, error) {
	key, err := m.keygen.GenerateKey(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, internalError("generating key", err)
	}
	return key, nil
}

// issuer loads a stored CA as a signing issuer.
func issuer(ca *CA) (pki.Issuer, error) {
	if ca == nil {
		return pki.Issuer{}, newError(CodeCARefNotFound, "caref does not match an existing CA")
	}
	cert, err := pki.DecodeCertificatePEM(ca.Crt)
	if err != nil {
		return pki.Issuer{}, internalError("stored CA certificate is unreadable", err)
	}
	key, err := pki.DecodePrivateKeyPEM(ca.Prv)
	if err != nil {
		return pki.Issuer{}, internalError("stored CA key is unreadable", err)
	}
	iss := pki.Issuer{Certificate: cert, Key: key}
	if err := iss.Validate(); err != nil {
		return pki.Issuer{}, wrapError(CodeCARefNotFound, "caref does not name a usable signing CA", err)
	}
	return iss, nil
}

// builderError maps a builder failure to the nearest stable code.
func builderError(err error) error {
	switch {
	case errors.Is(err, pki.ErrInvalidCSR):
		return wrapError(CodeSignCSRInvalid, "csr could not be signed", err)
	case errors.Is(err, pki.ErrUnsupportedDigest):
		return wrapError(CodeDigestUnsupported, "digest_alg is not supported for this key", err)
	case errors.Is(err, pki.ErrInvalidLifetime):
		return wrapError(CodeLifetimeInvalid, "lifetime is invalid", err)
	case errors.Is(err, pki.ErrNotCA), errors.Is(err, pki.ErrKeyMismatch):
		return wrapError(CodeCARefNotFound, "caref does not name a usable signing CA", err)
	}
	return internalError("building certificate", err)
}

func encodeKey(key crypto.Signer) ([]byte, error) {
	if key == nil {
		return nil, nil
	}
	data, err := pki.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, internalError("encoding private key", err)
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// CA index
// ---------------------------------------------------------------------------

// caIndex holds parsed CA certificates for issuer resolution.
type caIndex struct {
	refs  []string
	certs []*x509.Certificate
}

func (m *Manager) indexCAs(sn *snapshot) *caIndex {
	ix := &caIndex{}
	for _, v := range sn.cas {
		cert, err := pki.DecodeCertificatePEM(v.value.Crt)
		if err != nil {
			m.logger.Warn("skipping unreadable CA certificate",
				slog.String("refid", v.value.RefID), slog.Any("error", err))
			continue
		}
		ix.add(v.value.RefID, cert)
	}
	return ix
}

func (ix *caIndex) add(refid string, cert *x509.Certificate) {
	ix.refs = append(ix.refs, refid)
	ix.certs = append(ix.certs, cert)
}

// issuerOf returns the refid of the stored CA whose key signed cert, or ""
// when none did.
func (ix *caIndex) issuerOf(cert *x509.Certificate) string {
	for i, ca := range ix.certs {
		if string(cert.RawIssuer) != string(ca.RawSubject) {
			continue
		}
		if cert.CheckSignatureFrom(ca) == nil {
			return ix.refs[i]
		}
	}
	return ""
}

func (ix *caIndex) byFingerprint(fp string) string {
	for i, ca := range ix.certs {
		if pki.Fingerprint(ca) == fp {
			return ix.refs[i]
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

// prepared is a certificate built outside the lock, waiting to be stored.
type prepared struct {
	cert    Certificate
	caCerts []*x509.Certificate
}

// CreateCertificate validates f and creates a certificate with the
// requested method.
func (m *Manager) CreateCertificate(ctx context.Context, f Fields) (*CertificateView, error) {
	m.mu.RLock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	var cmd *CreateCommand
	err = m.work(ctx, func() error {
		cmd, err = m.validator(sn).certificateCreate(f)
		return err
	})
	m.mu.RUnlock()
	if err != nil {
		m.logger.Debug("certificate create rejected", slog.Int("code", int(CodeOf(err))))
		return nil, err
	}

	p, err := m.prepareCertificate(ctx, sn, cmd)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sn, err = m.snapshot(ctx); err != nil {
		return nil, err
	}
	if p.cert.CARef != "" && sn.ca(p.cert.CARef) == nil {
		return nil, newError(CodeCARefNotFound, "caref does not match an existing CA")
	}

	ix := m.indexCAs(sn)
	seq := sn.nextSeq()
	var writes []write
	var reserved []string
	if len(p.caCerts) > 0 {
		imported, err := m.importBundleCAs(sn, ix, p.caCerts, &seq, &reserved)
		if err != nil {
			return nil, err
		}
		for _, ca := range imported {
			writes = append(writes, putCA(ca, 0))
		}
	}
	if p.cert.Type == CertTypeReferencedCA && p.cert.CARef == "" {
		leaf, err := pki.DecodeCertificatePEM(p.cert.Crt)
		if err != nil {
			return nil, internalError("re-reading certificate", err)
		}
		p.cert.CARef = ix.issuerOf(leaf)
	}

	c := p.cert
	if c.RefID, err = sn.newRefID(reserved...); err != nil {
		return nil, internalError("allocating refid", err)
	}
	c.Seq = seq
	c.CreatedAt = m.now().UTC()
	if cmd.Active {
		c.Holders = []string{m.activeHolder}
		writes = append(writes, m.releaseHolder(sn, m.activeHolder, c.RefID)...)
	}
	writes = append(writes, putCert(&c, 0))

	if err := m.store.commit(ctx, writes...); err != nil {
		return nil, internalError("storing certificate", err)
	}
	m.logger.Info("certificate created",
		slog.String("refid", c.RefID),
		slog.String("descr", c.Descr),
		slog.String("certtype", c.Type.String()))

	sn.certs = append(sn.certs, versioned[Certificate]{value: &c, version: 1})
	v := m.certificateView(sn, &c, ReadOptions{})
	return &v, nil
}

// prepareCertificate performs the key generation and signing a create
// command needs. It runs without the lock; sn is only read.
func (m *Manager) prepareCertificate(ctx context.Context, sn *snapshot, cmd *CreateCommand) (*prepared, error) {
	p := &prepared{cert: Certificate{Descr: cmd.Descr}}
	var err error
	switch src := cmd.Source.(type) {
	case ExistingPEM:
		err = p.fromExisting(src.Certificate, src.Key)
	case ExistingEncryptedPEM:
		err = p.fromExisting(src.Certificate, src.Key)
	case ExistingPKCS12:
		err = p.fromExisting(src.Bundle.Certificate, src.Bundle.Key)
		if src.ImportCAs {
			p.caCerts = src.Bundle.CACerts
		}
	case InternalSource:
		err = m.work(ctx, func() error {
			iss, err := issuer(sn.findCA(src.CARef))
			if err != nil {
				return err
			}
			key, err := m.generateKey(ctx, src.Key)
			if err != nil {
				return err
			}
			cert, err := m.builder.Issue(pki.Template{
				Subject:  src.Subject,
				Lifetime: src.Lifetime,
				Digest:   src.Digest,
				Usage:    src.Usage,
				AltNames: src.AltNames,
			}, key.Public(), iss)
			if err != nil {
				return builderError(err)
			}
			p.cert.Type = CertTypeReferencedCA
			p.cert.CARef = src.CARef
			p.cert.Usage = src.Usage
			p.cert.Crt = pki.EncodeCertificatePEM(cert)
			p.cert.Prv, err = encodeKey(key)
			return err
		})
	case ExternalSource:
		err = m.work(ctx, func() error {
			key, err := m.generateKey(ctx, src.Key)
			if err != nil {
				return err
			}
			csr, err := m.builder.CreateCSR(pki.Template{
				Subject:  src.Subject,
				Digest:   src.Digest,
				Usage:    src.Usage,
				AltNames: src.AltNames,
			}, key)
			if err != nil {
				return builderError(err)
			}
			p.cert.Type = CertTypeSigningRequest
			p.cert.Usage = src.Usage
			p.cert.CSR = pki.EncodeCSRPEM(csr)
			p.cert.Prv, err = encodeKey(key)
			return err
		})
	case SignSource:
		err = m.work(ctx, func() error {
			iss, err := issuer(sn.findCA(src.CARef))
			if err != nil {
				return err
			}
			cert, err := m.builder.SignCSR(src.CSR, iss, pki.SignOptions{
				Lifetime: src.Lifetime,
				Digest:   src.Digest,
				Usage:    src.Usage,
				AltNames: src.AltNames,
			})
			if err != nil {
				return builderError(err)
			}
			p.cert.Type = CertTypeReferencedCA
			p.cert.CARef = src.CARef
			p.cert.Usage = src.Usage
			p.cert.Crt = pki.EncodeCertificatePEM(cert)
			p.cert.CSR = pki.EncodeCSRPEM(src.CSR)
			p.cert.Prv, err = encodeKey(src.Key)
			return err
		})
	default:
		err = internalError("unknown create source", nil)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// fromExisting fills p from an imported certificate and optional key.
// caref is resolved later, under the lock.
func (p *prepared) fromExisting(cert *x509.Certificate, key crypto.Signer) error {
	p.cert.Type = certTypeOf(cert)
	p.cert.Crt = pki.EncodeCertificatePEM(cert)
	var err error
	p.cert.Prv, err = encodeKey(key)
	return err
}

// importBundleCAs turns CA certificates bundled with a PKCS#12 import into
// CA entities, parents first. Certificates already stored are skipped.
func (m *Manager) importBundleCAs(sn *snapshot, ix *caIndex, certs []*x509.Certificate, seq *uint64, reserved *[]string) ([]*CA, error) {
	var pending []*x509.Certificate
	for _, cert := range certs {
		if !cert.IsCA {
			m.logger.Debug("skipping non-CA certificate in bundle", slog.String("subject", cert.Subject.String()))
			continue
		}
		if ix.byFingerprint(pki.Fingerprint(cert)) != "" {
			continue
		}
		if slices.ContainsFunc(pending, func(c *x509.Certificate) bool { return c.Equal(cert) }) {
			continue
		}
		pending = append(pending, cert)
	}

	var out []*CA
	add := func(cert *x509.Certificate, caref string) error {
		refid, err := sn.newRefID(*reserved...)
		if err != nil {
			return internalError("allocating refid", err)
		}
		*reserved = append(*reserved, refid)
		ca := &CA{
			RefID:     refid,
			Seq:       *seq,
			Descr:     importedCADescr(cert),
			Crt:       pki.EncodeCertificatePEM(cert),
			CARef:     caref,
			CreatedAt: m.now().UTC(),
		}
		*seq++
		ix.add(refid, cert)
		out = append(out, ca)
		return nil
	}

	for len(pending) > 0 {
		progressed := false
		rest := pending[:0:0]
		for _, cert := range pending {
			switch {
			case isSelfSigned(cert):
				if err := add(cert, ""); err != nil {
					return nil, err
				}
				progressed = true
			case ix.issuerOf(cert) != "":
				if err := add(cert, ix.issuerOf(cert)); err != nil {
					return nil, err
				}
				progressed = true
			default:
				rest = append(rest, cert)
			}
		}
		if !progressed {
			// Parents that are not in the bundle or the store.
			for _, cert := range rest {
				if err := add(cert, ""); err != nil {
					return nil, err
				}
			}
			break
		}
		pending = rest
	}
	return out, nil
}

// importedCADescr labels a bundled CA by its common name, falling back to
// the full subject, with characters outside the descr set removed.
func importedCADescr(cert *x509.Certificate) string {
	name := cert.Subject.CommonName
	if name == "" {
		name = cert.Subject.String()
	}
	kept := make([]rune, 0, len(name))
	for _, r := range util.NormalizeLabel(name) {
		if descrRune(r) && len(kept) < MaxDescrLength {
			kept = append(kept, r)
		}
	}
	if d, err := parseDescr(string(kept)); err == nil {
		return d
	}
	return "Imported CA " + pki.Fingerprint(cert)[:16]
}

// releaseHolder removes holder from every certificate except keep.
func (m *Manager) releaseHolder(sn *snapshot, holder, keep string) []write {
	var writes []write
	for _, v := range sn.certs {
		if v.value.RefID == keep || !slices.Contains(v.value.Holders, holder) {
			continue
		}
		c := *v.value
		c.Holders = slices.DeleteFunc(slices.Clone(c.Holders), func(h string) bool { return h == holder })
		writes = append(writes, putCert(&c, v.version))
		m.logger.Info("holder moved",
			slog.String("holder", holder),
			slog.String("from", c.RefID),
			slog.String("to", keep))
	}
	return writes
}

// Certificates returns every certificate in creation order.
func (m *Manager) Certificates(ctx context.Context, opts ReadOptions) ([]CertificateView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CertificateView, 0, len(sn.certs))
	for _, v := range sn.certs {
		out = append(out, m.certificateView(sn, v.value, opts))
	}
	return out, nil
}

// Certificate returns one certificate by refid.
func (m *Manager) Certificate(ctx context.Context, refid string, opts ReadOptions) (*CertificateView, error) {
	if refid == "" {
		return nil, newError(CodeRefIDRequired, "refid is required")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cur := sn.cert(refid)
	if cur == nil {
		return nil, newError(CodeCertificateNotFound, "certificate not found")
	}
	v := m.certificateView(sn, cur.value, opts)
	return &v, nil
}

// UpdateCertificate changes descr, replaces crt/prv, or fulfils a pending
// CSR with its signed certificate. It is all-or-nothing.
func (m *Manager) UpdateCertificate(ctx context.Context, f Fields) (*CertificateView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	refid, _ := f.nonEmpty("refid")
	cur := sn.cert(refid)
	if cur == nil {
		return nil, newError(CodeCertificateNotFound, "certificate not found")
	}
	cmd, err := certificateUpdate(f, cur.value)
	if err != nil {
		m.logger.Debug("certificate update rejected",
			slog.String("refid", refid), slog.Int("code", int(CodeOf(err))))
		return nil, err
	}

	c := *cur.value
	if cmd.Descr != nil {
		c.Descr = *cmd.Descr
	}
	if cmd.Certificate != nil {
		c.Crt = pki.EncodeCertificatePEM(cmd.Certificate)
		c.CARef = ""
		if cur.value.Pending() {
			c.Type = CertTypeReferencedCA
		} else {
			c.Type = certTypeOf(cmd.Certificate)
		}
		if c.Type == CertTypeReferencedCA {
			c.CARef = m.indexCAs(sn).issuerOf(cmd.Certificate)
		}
	}
	if cmd.Key != nil {
		if c.Prv, err = encodeKey(cmd.Key); err != nil {
			return nil, err
		}
	}

	if err := m.store.commit(ctx, putCert(&c, cur.version)); err != nil {
		return nil, internalError("storing certificate", err)
	}
	m.logger.Info("certificate updated",
		slog.String("refid", c.RefID),
		slog.Bool("crt_replaced", cmd.Certificate != nil),
		slog.Bool("prv_replaced", cmd.Key != nil))

	*cur = versioned[Certificate]{value: &c, version: cur.version + 1}
	v := m.certificateView(sn, &c, ReadOptions{})
	return &v, nil
}

// DeleteCertificate removes the certificate selected by id, refid or descr.
func (m *Manager) DeleteCertificate(ctx context.Context, f Fields) (*CertificateView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	cmd := deleteCommand(f)
	cur := resolveDelete(sn.certs, cmd, func(c *Certificate) (string, string) { return c.RefID, c.Descr })
	if cur == nil {
		return nil, newError(CodeCertificateNotFound, "certificate not found")
	}
	if len(cur.value.Holders) > 0 {
		return nil, newError(CodeCertificateInUse, "certificate is in use")
	}

	view := m.certificateView(sn, cur.value, ReadOptions{})
	err = m.store.commit(ctx, write{recordType: recordTypeCert, id: cur.value.RefID, delete: true})
	if err != nil {
		return nil, internalError("deleting certificate", err)
	}
	m.logger.Info("certificate deleted", slog.String("refid", cur.value.RefID))
	return &view, nil
}

// resolveDelete applies the selectors in order: id, refid, descr.
func resolveDelete[T any](items []versioned[T], cmd DeleteCommand, key func(*T) (refid, descr string)) *versioned[T] {
	if cmd.ID != nil && *cmd.ID >= 0 && *cmd.ID < len(items) {
		return &items[*cmd.ID]
	}
	if cmd.RefID != "" {
		for i := range items {
			if refid, _ := key(items[i].value); refid == cmd.RefID {
				return &items[i]
			}
		}
	}
	if cmd.Descr != "" {
		for i := range items {
			if _, descr := key(items[i].value); descr == cmd.Descr {
				return &items[i]
			}
		}
	}
	return nil
}

// EnsureDefaultCertificate makes sure the active holder has a certificate,
// creating a self-signed server certificate for hostname when it has none.
func (m *Manager) EnsureDefaultCertificate(ctx context.Context, hostname string) (*CertificateView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range sn.certs {
		if slices.Contains(v.value.Holders, m.activeHolder) {
			view := m.certificateView(sn, v.value, ReadOptions{})
			return &view, nil
		}
	}

	var names []AltName
	if n, err := pki.DNSName(hostname); err == nil {
		names = []AltName{n}
	}
	var c Certificate
	err = m.work(ctx, func() error {
		key, err := m.generateKey(ctx, pki.KeySpec{Type: pki.KeyTypeRSA, Bits: 2048})
		if err != nil {
			return err
		}
		cert, err := m.builder.SelfSigned(pki.Template{
			Subject: pkix.Name{
				Organization: []string{m.activeHolder + " Self-Signed Certificate"},
				CommonName:   hostname,
			},
			Lifetime: defaultCertificateLifetime,
			Digest:   pki.DigestSHA256,
			Usage:    pki.UsageServer,
			AltNames: names,
		}, key)
		if err != nil {
			return builderError(err)
		}
		c.Crt = pki.EncodeCertificatePEM(cert)
		c.Prv, err = encodeKey(key)
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.RefID, err = sn.newRefID(); err != nil {
		return nil, internalError("allocating refid", err)
	}
	c.Seq = sn.nextSeq()
	c.Descr = m.activeHolder + " default (" + c.RefID + ")"
	c.Type = CertTypeSelfSigned
	c.Usage = pki.UsageServer
	c.Holders = []string{m.activeHolder}
	c.CreatedAt = m.now().UTC()
	if err := m.store.commit(ctx, putCert(&c, 0)); err != nil {
		return nil, internalError("storing certificate", err)
	}
	m.logger.Info("default certificate created",
		slog.String("refid", c.RefID), slog.String("holder", m.activeHolder))

	sn.certs = append(sn.certs, versioned[Certificate]{value: &c, version: 1})
	view := m.certificateView(sn, &c, ReadOptions{})
	return &view, nil
}

// defaultCertificateLifetime stays within the 398 day limit browsers
// enforce for server certificates.
const defaultCertificateLifetime = 398

// ---------------------------------------------------------------------------
// Views
// ---------------------------------------------------------------------------

func (m *Manager) certificateView(sn *snapshot, c *Certificate, opts ReadOptions) CertificateView {
	v := CertificateView{
		RefID:        c.RefID,
		Descr:        c.Descr,
		CertType:     c.Type,
		Crt:          c.Crt,
		CSR:          c.CSR,
		CARef:        c.CARef,
		KeyAvailable: len(c.Prv) > 0,
		InUse:        append([]string{}, c.Holders...),
	}
	if opts.DisableScrubbing {
		v.Prv = c.Prv
	}
	v.Details = m.describe(c.RefID, c.Crt, c.CSR)
	return v
}

// describe derives read-time metadata from a certificate, or from the CSR
// while none has been issued.
func (m *Manager) describe(refid string, crt, csr []byte) pki.Details {
	switch {
	case len(crt) > 0:
		cert, err := pki.DecodeCertificatePEM(crt)
		if err == nil {
			return pki.DescribeCertificate(cert, m.now())
		}
		m.logger.Warn("stored certificate is unreadable", slog.String("refid", refid), slog.Any("error", err))
	case len(csr) > 0:
		req, err := pki.DecodeCSRPEM(csr)
		if err == nil {
			return pki.DescribeCSR(req)
		}
		m.logger.Warn("stored csr is unreadable", slog.String("refid", refid), slog.Any("error", err))
	}
	return pki.Details{AltNames: []AltName{}, KeyUsage: []string{}, ExtendedKeyUsage: []string{}}
}
