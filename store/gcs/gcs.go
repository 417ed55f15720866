// Package gcs implements a backend on Google Cloud Storage.
//
// Blobs are objects named "b:<hex hash>".
// Refs are objects named "r:<ref name>" whose content and "hash" metadata
// both hold the hex hash they point to.
// Compare-and-swap uses object generation preconditions.
package gcs

import (
	"context"
	stderrs "errors"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend = &Store{}
	_ notedb.Deleter = &Store{}
)

const (
	blobPrefix = "b:"
	refPrefix  = "r:"
	hashKey    = "hash"

	// GCS limits updates to a single object to about one per second,
	// so writes that hit the rate limit are retried.
	maxRetries = 6
)

// Store is a Google Cloud Storage-based implementation of a backend.
type Store struct {
	bucket *storage.BucketHandle
}

// New produces a new Store.
func New(bucket *storage.BucketHandle) *Store {
	return &Store{bucket: bucket}
}

// Get gets the blob with hash h.
func (s *Store) Get(ctx context.Context, h notedb.Hash) (notedb.Blob, error) {
	name := blobObjName(h)
	r, err := s.bucket.Object(name).NewReader(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil, notedb.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading info of object %s", name)
	}
	defer r.Close()

	b := make([]byte, r.Attrs.Size)
	_, err = io.ReadFull(r, b)
	return b, errors.Wrapf(err, "reading contents of object %s", name)
}

// Put adds a blob to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b notedb.Blob) (notedb.Hash, bool, error) {
	var (
		h    = b.Hash()
		name = blobObjName(h)
		obj  = s.bucket.Object(name).If(storage.Conditions{DoesNotExist: true})
	)
	err := write(ctx, obj, b, nil)
	if isPreconditionFailed(err) {
		return h, false, nil
	}
	if err != nil {
		return notedb.Zero, false, errors.Wrapf(err, "writing object %s", name)
	}
	return h, true, nil
}

// Delete removes a blob.
func (s *Store) Delete(ctx context.Context, h notedb.Hash) error {
	err := s.bucket.Object(blobObjName(h)).Delete(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	// Google Cloud Storage iterators have no API for starting in the middle of a bucket.
	// But they can filter by object-name prefix.
	// So we take (the hex encoding of) `start` and repeatedly compute prefixes for the objects we want.
	// If `start` is e67a, for example, the sequence of generated prefixes is:
	//   e67b e67c e67d e67e e67f
	//   e68 e69 e6a e6b e6c e6d e6e e6f
	//   e7 e8 e9 ea eb ec ed ee ef
	//   f
	return eachHexPrefix(start.String(), false, func(prefix string) error {
		return s.listHashes(ctx, prefix, f)
	})
}

func (s *Store) listHashes(ctx context.Context, prefix string, f func(notedb.Hash) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: blobPrefix + prefix})
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		h, err := notedb.HashFromHex(strings.TrimPrefix(obj.Name, blobPrefix))
		if err != nil {
			return errors.Wrapf(err, "decoding object name %s", obj.Name)
		}
		if err = f(h); err != nil {
			return err
		}
	}
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(ctx context.Context, name string) (notedb.Hash, error) {
	h, _, err := s.readRef(ctx, name)
	return h, err
}

func (s *Store) readRef(ctx context.Context, name string) (notedb.Hash, int64, error) {
	attrs, err := s.bucket.Object(refObjName(name)).Attrs(ctx)
	if stderrs.Is(err, storage.ErrObjectNotExist) {
		return notedb.Zero, 0, notedb.ErrNotFound
	}
	if err != nil {
		return notedb.Zero, 0, errors.Wrapf(err, "getting attrs of ref %s", name)
	}
	h, err := notedb.HashFromHex(attrs.Metadata[hashKey])
	return h, attrs.Generation, errors.Wrapf(err, "decoding ref %s", name)
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	iter := s.bucket.Objects(ctx, &storage.Query{Prefix: refPrefix + prefix})
	for {
		obj, err := iter.Next()
		if stderrs.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "iterating over ref objects")
		}
		h, err := notedb.HashFromHex(obj.Metadata[hashKey])
		if err != nil {
			return errors.Wrapf(err, "decoding ref object %s", obj.Name)
		}
		if err = f(strings.TrimPrefix(obj.Name, refPrefix), h); err != nil {
			return err
		}
	}
}

// CompareAndSwap implements notedb.RefTable.
// The write is conditional on the generation of the ref object
// observed when checking oldHash,
// so an intervening update by anyone causes ErrConflict.
func (s *Store) CompareAndSwap(ctx context.Context, name string, oldHash, newHash notedb.Hash) error {
	op := func() error {
		cur, gen, err := s.readRef(ctx, name)
		if errors.Is(err, notedb.ErrNotFound) {
			cur = notedb.Zero
		} else if err != nil {
			return backoff.Permanent(err)
		}
		if cur != oldHash {
			return backoff.Permanent(notedb.ErrConflict)
		}

		obj := s.bucket.Object(refObjName(name))
		if oldHash.IsZero() {
			obj = obj.If(storage.Conditions{DoesNotExist: true})
		} else {
			obj = obj.If(storage.Conditions{GenerationMatch: gen})
		}

		if newHash.IsZero() {
			if oldHash.IsZero() {
				return nil
			}
			err = obj.Delete(ctx)
		} else {
			err = write(ctx, obj, []byte(newHash.String()), map[string]string{hashKey: newHash.String()})
		}
		switch {
		case isPreconditionFailed(err):
			return backoff.Permanent(notedb.ErrConflict)
		case isRateLimited(err):
			return err
		case err != nil:
			return backoff.Permanent(errors.Wrapf(err, "updating ref %s", name))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(op, bo)
}

func write(ctx context.Context, obj *storage.ObjectHandle, data []byte, metadata map[string]string) error {
	w := obj.NewWriter(ctx)
	w.Metadata = metadata
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	// Errors from the server, including failed preconditions, arrive here.
	return w.Close()
}

func isPreconditionFailed(err error) bool {
	var e *googleapi.Error
	return stderrs.As(err, &e) && e.Code == http.StatusPreconditionFailed
}

func isRateLimited(err error) bool {
	var e *googleapi.Error
	return stderrs.As(err, &e) && (e.Code == http.StatusTooManyRequests || e.Code == http.StatusServiceUnavailable)
}

func eachHexPrefix(prefix string, incl bool, f func(string) error) error {
	prefix = strings.ToLower(prefix)
	for len(prefix) > 0 {
		end := hexval(prefix[len(prefix)-1:][0])
		if !incl {
			end++
		}
		prefix = prefix[:len(prefix)-1]
		for c := end; c < 16; c++ {
			err := f(prefix + string(hexdigit(c)))
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func hexval(b byte) int {
	switch {
	case '0' <= b && b <= '9':
		return int(b - '0')
	case 'a' <= b && b <= 'f':
		return int(10 + b - 'a')
	case 'A' <= b && b <= 'F':
		return int(10 + b - 'A')
	}
	return 0
}

func hexdigit(n int) byte {
	if n < 10 {
		return byte(n + '0')
	}
	return byte(n - 10 + 'a')
}

func blobObjName(h notedb.Hash) string {
	return blobPrefix + h.String()
}

func refObjName(name string) string {
	return refPrefix + name
}

// Register adds the "gcs" backend type to r.
func Register(r *store.Registry) {
	r.Register("gcs", func(ctx context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		var options []option.ClientOption
		creds, ok := conf["creds"].(string)
		if !ok {
			return nil, errors.New(`missing "creds" parameter`)
		}
		bucketName, ok := conf["bucket"].(string)
		if !ok {
			return nil, errors.New(`missing "bucket" parameter`)
		}
		options = append(options, option.WithCredentialsFile(creds))
		c, err := storage.NewClient(ctx, options...)
		if err != nil {
			return nil, errors.Wrap(err, "creating cloud storage client")
		}
		return New(c.Bucket(bucketName)), nil
	})
}
