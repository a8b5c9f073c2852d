package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"os"
	"path/filepath"
	"time"

	"fogbin/pkg/domain"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	bucketContents = []byte("contents")
	bucketMeta     = []byte("meta")
	bucketLog      = []byte("log")
)

// Bolt is a single-file Store on bbolt. Metadata and content values are gob
// encoded; log keys are big-endian creation nanos followed by the id so
// CountCreated can seek.
type Bolt struct {
	db *bbolt.DB
}

var _ Store = (*Bolt)(nil)

func OpenBolt(path string, timeout time.Duration) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.Wrap(err, "create bolt directory")
	}
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrap(err, "open bolt db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketContents, bucketMeta, bucketLog} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %q", name)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

type boltMeta struct {
	Language     string
	CreatedAt    int64
	ExpiresAt    int64
	Redacted     bool
	PasswordHash string
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func logKey(at time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(at.UnixNano()))
	return append(k, id...)
}

func (b *Bolt) Put(ctx context.Context, m *domain.Meta, c *domain.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metaVal, err := encodeGob(boltMeta{
		Language:     m.Language,
		CreatedAt:    m.CreatedAt.UnixNano(),
		ExpiresAt:    m.ExpiresAt.UnixNano(),
		Redacted:     m.Redacted,
		PasswordHash: m.PasswordHash,
	})
	if err != nil {
		return errors.Wrap(err, "encode meta")
	}
	contentVal, err := encodeGob(c)
	if err != nil {
		return errors.Wrap(err, "encode content")
	}
	key := []byte(m.ID)
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketContents).Put(key, contentVal); err != nil {
			return errors.Wrap(err, "put content")
		}
		return errors.Wrap(tx.Bucket(bucketMeta).Put(key, metaVal), "put meta")
	})
}

func (b *Bolt) GetMeta(ctx context.Context, id string) (*domain.Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var bm boltMeta
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(id))
		if data == nil {
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(decodeGob(data, &bm), "decode meta")
	})
	if err != nil {
		return nil, err
	}
	return &domain.Meta{
		ID:           id,
		Language:     bm.Language,
		CreatedAt:    time.Unix(0, bm.CreatedAt).UTC(),
		ExpiresAt:    time.Unix(0, bm.ExpiresAt).UTC(),
		Redacted:     bm.Redacted,
		PasswordHash: bm.PasswordHash,
	}, nil
}

func (b *Bolt) GetContent(ctx context.Context, id string) (*domain.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var c domain.Content
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketContents).Get([]byte(id))
		if data == nil {
			return domain.ErrPasteNotFound
		}
		return errors.Wrap(decodeGob(data, &c), "decode content")
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (b *Bolt) Exists(ctx context.Context, id string) (domain.Presence, error) {
	var p domain.Presence
	if err := ctx.Err(); err != nil {
		return p, err
	}
	key := []byte(id)
	err := b.db.View(func(tx *bbolt.Tx) error {
		p.Meta = tx.Bucket(bucketMeta).Get(key) != nil
		p.Content = tx.Bucket(bucketContents).Get(key) != nil
		return nil
	})
	return p, err
}

func (b *Bolt) Delete(ctx context.Context, id string) (domain.Presence, error) {
	var p domain.Presence
	if err := ctx.Err(); err != nil {
		return p, err
	}
	key := []byte(id)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		if p.Meta, err = deleteKey(tx.Bucket(bucketMeta), key); err != nil {
			return err
		}
		p.Content, err = deleteKey(tx.Bucket(bucketContents), key)
		return err
	})
	if err != nil {
		return domain.Presence{}, errors.Wrap(err, "delete paste")
	}
	return p, nil
}

func (b *Bolt) DeleteMeta(ctx context.Context, id string) (bool, error) {
	return b.deleteFrom(ctx, bucketMeta, id)
}

func (b *Bolt) DeleteContent(ctx context.Context, id string) (bool, error) {
	return b.deleteFrom(ctx, bucketContents, id)
}

func (b *Bolt) deleteFrom(ctx context.Context, bucket []byte, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var removed bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		removed, err = deleteKey(tx.Bucket(bucket), []byte(id))
		return err
	})
	return removed, err
}

func deleteKey(bk *bbolt.Bucket, key []byte) (bool, error) {
	if bk.Get(key) == nil {
		return false, nil
	}
	return true, bk.Delete(key)
}

func (b *Bolt) ListIDs(ctx context.Context, fn func(id string) error) error {
	seen := make(map[string]struct{})
	var ids []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketContents} {
			err := tx.Bucket(name).ForEach(func(k, _ []byte) error {
				id := string(k)
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "list ids")
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bolt) AppendLog(ctx context.Context, id string, createdAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return errors.Wrap(tx.Bucket(bucketLog).Put(logKey(createdAt, id), nil), "append log")
	})
}

func (b *Bolt) CountCreated(ctx context.Context, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		bk := tx.Bucket(bucketLog)
		if since.IsZero() {
			n = bk.Stats().KeyN
			return nil
		}
		c := bk.Cursor()
		for k, _ := c.Seek(logKey(since, "")); k != nil; k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (b *Bolt) CountActive(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	cutoff := now.UnixNano()
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(_, v []byte) error {
			var bm boltMeta
			if err := decodeGob(v, &bm); err != nil {
				return errors.Wrap(err, "decode meta")
			}
			if bm.ExpiresAt > cutoff {
				n++
			}
			return nil
		})
	})
	return n, err
}

func (b *Bolt) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return errors.New("meta bucket missing")
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
