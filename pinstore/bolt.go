package pinstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/dataprotection"
	bolt "go.etcd.io/bbolt"
)

var bucketPins = []byte("pins")

const purpose = "xtoken/pinstore"

// record is the stored value, the biometric flag is bound
// to the sealed PIN as associated data
type record struct {
	Biometric bool      `json:"biometric,omitempty"`
	Updated   time.Time `json:"updated"`
	Sealed    []byte    `json:"sealed"`
}

type sealedPIN struct {
	PIN string `json:"pin"`
}

// DB is the Store in bbolt database
type DB struct {
	db   *bolt.DB
	dp   dataprotection.Provider
	gate BiometricGate
}

// Ensure compiles
var _ Store = (*DB)(nil)

// Open opens the store at path, the PINs are sealed with the key derived
// from the secret. The gate may be nil, if biometric check is not available.
func Open(path string, secret []byte, gate BiometricGate) (*DB, error) {
	dp, err := dataprotection.NewSymmetric(secret, purpose)
	if err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WithMessagef(err, "unable to open PIN store: %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPins)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "unable to create bucket")
	}

	return &DB{
		db:   db,
		dp:   dp,
		gate: gate,
	}, nil
}

// Close closes the database
func (s *DB) Close() error {
	return s.db.Close()
}

// Save stores the PIN for the token
func (s *DB) Save(ctx context.Context, pin, serial string, requireBiometric bool) error {
	if err := ValidatePIN(pin); err != nil {
		return err
	}
	key, err := normalizeSerial(serial)
	if err != nil {
		return err
	}
	if requireBiometric && s.gate == nil {
		return errors.WithStack(ErrNoBiometricGate)
	}

	sealed, err := dataprotection.ProtectObject(ctx, s.dp, &sealedPIN{PIN: pin}, associated(key, requireBiometric))
	if err != nil {
		return err
	}
	value, err := json.Marshal(&record{
		Biometric: requireBiometric,
		Updated:   time.Now().UTC(),
		Sealed:    sealed,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).Put([]byte(key), value)
	})
	if err != nil {
		return errors.WithMessage(err, "unable to save PIN")
	}
	logger.KV(xlog.DEBUG, "status", "saved", "serial", key, "biometric", requireBiometric)
	return nil
}

// Get returns the PIN of the token
func (s *DB) Get(ctx context.Context, serial string) (string, error) {
	key, err := normalizeSerial(serial)
	if err != nil {
		return "", err
	}

	var rec *record
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPins).Get([]byte(key))
		if v == nil {
			return nil
		}
		rec = new(record)
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return "", errors.WithMessage(err, "unable to read PIN")
	}
	if rec == nil {
		return "", errors.WithMessagef(ErrNotFound, "serial %q", key)
	}

	if rec.Biometric {
		if s.gate == nil {
			return "", errors.WithStack(ErrNoBiometricGate)
		}
		if err = s.gate.Authenticate(ctx, "Unlock PIN of token "+key); err != nil {
			return "", errors.WithMessage(err, "biometric authentication failed")
		}
	}

	var sp sealedPIN
	if err = dataprotection.UnprotectObject(ctx, s.dp, rec.Sealed, associated(key, rec.Biometric), &sp); err != nil {
		return "", err
	}
	return sp.PIN, nil
}

// Delete removes the PIN of the token
func (s *DB) Delete(_ context.Context, serial string) error {
	key, err := normalizeSerial(serial)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).Delete([]byte(key))
	})
	if err != nil {
		return errors.WithMessage(err, "unable to delete PIN")
	}
	logger.KV(xlog.DEBUG, "status", "deleted", "serial", key)
	return nil
}

// Serials returns serial numbers of the tokens with stored PINs
func (s *DB) Serials(_ context.Context) ([]string, error) {
	var list []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPins).ForEach(func(k, _ []byte) error {
			list = append(list, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}

func associated(serial string, biometric bool) []byte {
	if biometric {
		return []byte(serial + ";biometric")
	}
	return []byte(serial)
}
