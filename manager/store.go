package manager

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/certmanager/internal/crypto"
	"github.com/jmcleod/certmanager/internal/util"
	"github.com/jmcleod/certmanager/storage"
)

const (
	recordTypeMeta  = "META"
	recordTypeCheck = "CHECK"
	recordTypeCert  = "CERT"
	recordTypeCA    = "CA"
	storeRecordID   = "store"

	recordVer   = 1
	saltSize    = 32
	refIDLength = 13
)

var keyCheckPlaintext = []byte("certmanager record key check")

// storeMeta is the unsealed bookkeeping record: everything needed to
// re-derive the record key from the passphrase.
type storeMeta struct {
	Salt      []byte              `json:"salt"`
	KDFParams util.Argon2idParams `json:"kdf_params"`
	CreatedAt time.Time           `json:"created_at,omitzero"`
	Ver       int                 `json:"ver"`
}

// store persists entities as sealed JSON records. It holds no entity state
// of its own; callers load a snapshot, decide, and commit writes.
type store struct {
	repo      storage.Repository
	namespace string
	key       *memguard.Enclave
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrNamespaceNotFound)
}

// openStore derives the record key for namespace, initialising the
// namespace on first use.
func openStore(ctx context.Context, repo storage.Repository, namespace, passphrase string, params util.Argon2idParams, now time.Time) (*store, error) {
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}
	env, err := repo.Get(ctx, namespace, recordTypeMeta, storeRecordID)
	switch {
	case isNotFound(err):
		s, err := initStore(ctx, repo, namespace, passphrase, params, now)
		if errors.Is(err, storage.ErrCASFailed) {
			// Another process initialised the namespace first.
			return openStore(ctx, repo, namespace, passphrase, params, now)
		}
		return s, err
	case err != nil:
		return nil, fmt.Errorf("reading store metadata: %w", err)
	}

	data, err := storage.OpenPlain(env)
	if err != nil {
		return nil, fmt.Errorf("reading store metadata: %w", err)
	}
	var meta storeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding store metadata: %w", err)
	}
	key, err := deriveRecordKey(passphrase, meta, namespace)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	check, err := repo.Get(ctx, namespace, recordTypeCheck, storeRecordID)
	if err != nil {
		return nil, fmt.Errorf("reading key check record: %w", err)
	}
	plain, err := storage.OpenRecord(key, check, icrypto.AADKeyCheck(namespace, recordVer))
	if err != nil || string(plain) != string(keyCheckPlaintext) {
		return nil, ErrWrongPassphrase
	}
	return &store{repo: repo, namespace: namespace, key: memguard.NewEnclave(key)}, nil
}

func initStore(ctx context.Context, repo storage.Repository, namespace, passphrase string, params util.Argon2idParams, now time.Time) (*store, error) {
	if err := util.ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	meta := storeMeta{Salt: salt, KDFParams: params, CreatedAt: now, Ver: recordVer}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	key, err := deriveRecordKey(passphrase, meta, namespace)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)

	check, err := storage.SealRecord(key, keyCheckPlaintext, icrypto.AADKeyCheck(namespace, recordVer), 1)
	if err != nil {
		return nil, err
	}
	err = repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(recordTypeMeta, storeRecordID, 0, storage.PlainRecord(metaJSON, 1)); err != nil {
			return err
		}
		return tx.PutCAS(recordTypeCheck, storeRecordID, 0, check)
	})
	if err != nil {
		return nil, fmt.Errorf("initialising store: %w", err)
	}
	return &store{repo: repo, namespace: namespace, key: memguard.NewEnclave(key)}, nil
}

// deriveRecordKey runs Argon2id over the passphrase and expands the result
// with HKDF bound to the namespace.
func deriveRecordKey(passphrase string, meta storeMeta, namespace string) ([]byte, error) {
	seed, err := util.DeriveArgon2idKey(passphrase, meta.Salt, meta.KDFParams)
	if err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	defer util.WipeBytes(seed)
	return util.HKDF(seed, meta.Salt, []byte("certmanager record key:"+namespace))
}

func (s *store) withKey(fn func(key []byte) error) error {
	buf, err := s.key.Open()
	if err != nil {
		return fmt.Errorf("opening record key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

type versioned[T any] struct {
	value   *T
	version uint64
}

// snapshot is every entity of the namespace in read order.
type snapshot struct {
	certs []versioned[Certificate]
	cas   []versioned[CA]
}

func (s *store) load(ctx context.Context) (*snapshot, error) {
	certs, err := loadAll[Certificate](ctx, s, recordTypeCert)
	if err != nil {
		return nil, err
	}
	cas, err := loadAll[CA](ctx, s, recordTypeCA)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(certs, func(a, b versioned[Certificate]) int { return cmp.Compare(a.value.Seq, b.value.Seq) })
	slices.SortFunc(cas, func(a, b versioned[CA]) int { return cmp.Compare(a.value.Seq, b.value.Seq) })
	return &snapshot{certs: certs, cas: cas}, nil
}

func loadAll[T any](ctx context.Context, s *store, recordType string) ([]versioned[T], error) {
	ids, err := s.repo.List(ctx, s.namespace, recordType)
	if err != nil {
		return nil, fmt.Errorf("listing %s records: %w", recordType, err)
	}
	out := make([]versioned[T], 0, len(ids))
	err = s.withKey(func(key []byte) error {
		for _, id := range ids {
			env, err := s.repo.Get(ctx, s.namespace, recordType, id)
			if err != nil {
				return fmt.Errorf("loading %s/%s: %w", recordType, id, err)
			}
			aad := icrypto.AADRecord(s.namespace, recordType, id, env.Version, recordVer)
			data, err := storage.OpenRecord(key, env, aad)
			if err != nil {
				return fmt.Errorf("opening %s/%s: %w", recordType, id, err)
			}
			v := new(T)
			if err := json.Unmarshal(data, v); err != nil {
				return fmt.Errorf("decoding %s/%s: %w", recordType, id, err)
			}
			out = append(out, versioned[T]{value: v, version: env.Version})
		}
		return nil
	})
	return out, err
}

func (sn *snapshot) cert(refid string) *versioned[Certificate] {
	for i := range sn.certs {
		if sn.certs[i].value.RefID == refid {
			return &sn.certs[i]
		}
	}
	return nil
}

func (sn *snapshot) ca(refid string) *versioned[CA] {
	for i := range sn.cas {
		if sn.cas[i].value.RefID == refid {
			return &sn.cas[i]
		}
	}
	return nil
}

// findCA adapts the snapshot to the validator's lookup.
func (sn *snapshot) findCA(refid string) *CA {
	if v := sn.ca(refid); v != nil {
		return v.value
	}
	return nil
}

func (sn *snapshot) nextSeq() uint64 {
	var seq uint64
	for _, c := range sn.certs {
		seq = max(seq, c.value.Seq)
	}
	for _, c := range sn.cas {
		seq = max(seq, c.value.Seq)
	}
	return seq + 1
}

// newRefID returns a refid unused by any certificate or CA.
func (sn *snapshot) newRefID(reserved ...string) (string, error) {
	for range 16 {
		id, err := util.RandomHex(refIDLength)
		if err != nil {
			return "", err
		}
		if sn.cert(id) == nil && sn.ca(id) == nil && !slices.Contains(reserved, id) {
			return id, nil
		}
	}
	return "", errors.New("could not allocate a unique refid")
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// write is one record change. expected is the stored version being
// replaced, or 0 for a new record.
type write struct {
	recordType string
	id         string
	expected   uint64
	value      any
	delete     bool
}

func putCert(c *Certificate, expected uint64) write {
	return write{recordType: recordTypeCert, id: c.RefID, expected: expected, value: c}
}

func putCA(c *CA, expected uint64) write {
	return write{recordType: recordTypeCA, id: c.RefID, expected: expected, value: c}
}

// commit seals and applies writes in one repository batch.
func (s *store) commit(ctx context.Context, writes ...write) error {
	envelopes := make([]*storage.Envelope, len(writes))
	err := s.withKey(func(key []byte) error {
		for i, w := range writes {
			if w.delete {
				continue
			}
			data, err := json.Marshal(w.value)
			if err != nil {
				return fmt.Errorf("encoding %s/%s: %w", w.recordType, w.id, err)
			}
			next := w.expected + 1
			aad := icrypto.AADRecord(s.namespace, w.recordType, w.id, next, recordVer)
			if envelopes[i], err = storage.SealRecord(key, data, aad, next); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.repo.Batch(ctx, s.namespace, func(tx storage.BatchTx) error {
		for i, w := range writes {
			if w.delete {
				if err := tx.Delete(w.recordType, w.id); err != nil {
					return err
				}
				continue
			}
			if err := tx.PutCAS(w.recordType, w.id, w.expected, envelopes[i]); err != nil {
				return fmt.Errorf("writing %s/%s: %w", w.recordType, w.id, err)
			}
		}
		return nil
	})
}
