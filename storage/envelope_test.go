package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jmcleod/certmanager/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, _ := util.RandomBytes(util.AESKeySize)
	plain := []byte(`{"refid":"6a1f0c2b9d3e4"}`)
	aad := []byte("context")

	env, err := SealRecord(key, plain, aad, 3)
	if err != nil {
		t.Fatalf("SealRecord failed: %v", err)
	}
	if env.Ver != 1 || env.Version != 3 || len(env.Nonce) != util.GCMNonceSize {
		t.Errorf("unexpected envelope header: %+v", env)
	}

	decrypted, err := OpenRecord(key, env, aad)
	if err != nil {
		t.Fatalf("OpenRecord failed: %v", err)
	}
	if !bytes.Equal(plain, decrypted) {
		t.Errorf("expected %s, got %s", plain, decrypted)
	}

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenRecord(key, env, []byte("wrong context"))
		if !errors.Is(err, ErrUnsealFailed) {
			t.Errorf("expected ErrUnsealFailed, got %v", err)
		}
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrongKey, _ := util.RandomBytes(util.AESKeySize)
		_, err := OpenRecord(wrongKey, env, aad)
		if !errors.Is(err, ErrUnsealFailed) {
			t.Errorf("expected ErrUnsealFailed, got %v", err)
		}
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		badEnv := *env
		badEnv.Ver = 99
		if _, err := OpenRecord(key, &badEnv, aad); err == nil {
			t.Error("expected error with unsupported version, got nil")
		}
	})

	t.Run("PlainSchemeRejected", func(t *testing.T) {
		if _, err := OpenRecord(key, PlainRecord(plain, 0), aad); err == nil {
			t.Error("expected OpenRecord to reject plain envelopes")
		}
	})

	t.Run("OpenDoesNotMutate", func(t *testing.T) {
		before := env.Clone()
		_, _ = OpenRecord(key, env, aad)
		if !bytes.Equal(before.Nonce, env.Nonce) || !bytes.Equal(before.Ciphertext, env.Ciphertext) {
			t.Error("OpenRecord mutated the envelope")
		}
	})
}

func TestPlainRecord(t *testing.T) {
	data := []byte(`{"salt":"AAAA"}`)
	env := PlainRecord(data, 1)
	data[0] = 'X'

	got, err := OpenPlain(env)
	if err != nil {
		t.Fatalf("OpenPlain failed: %v", err)
	}
	if got[0] != '{' {
		t.Error("PlainRecord should copy its input")
	}

	sealed := &Envelope{Ver: 1, Scheme: SchemeAES256GCM}
	if _, err := OpenPlain(sealed); err == nil {
		t.Error("expected OpenPlain to reject sealed envelopes")
	}
}

func TestEnvelopeClone(t *testing.T) {
	env := &Envelope{Ver: 1, Scheme: SchemeAES256GCM, Nonce: []byte("nonce1234567"), Ciphertext: []byte("c"), Version: 7}
	cp := env.Clone()
	cp.Nonce[0] = 'X'
	if env.Nonce[0] == 'X' {
		t.Error("Clone should deep-copy the nonce")
	}
	if (*Envelope)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
