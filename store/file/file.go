// Package file implements a backend as a file hierarchy.
//
// Blobs live under <root>/blobs, fanned out by hash prefix.
// Each ref is a file under <root>/<ref name> holding the hex hash it points to.
// Compare-and-swap takes an advisory lock on a sibling ".lock" file,
// so several processes may share one root.
package file

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/bobg/notedb"
	"github.com/bobg/notedb/store"
)

var (
	_ notedb.Backend = &Store{}
	_ notedb.Deleter = &Store{}
)

const lockSuffix = ".lock"

// Store is a file-based implementation of a backend.
type Store struct {
	root    string
	flocker flock.Locker
}

// New produces a new Store storing data beneath `root`.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) blobroot() string {
	return filepath.Join(s.root, "blobs")
}

func (s *Store) blobpath(h notedb.Hash) string {
	hex := h.String()
	return filepath.Join(s.blobroot(), hex[:2], hex[:4], hex)
}

// Get gets the blob with hash h.
func (s *Store) Get(_ context.Context, h notedb.Hash) (notedb.Blob, error) {
	path := s.blobpath(h)
	blob, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notedb.ErrNotFound
	}
	return blob, errors.Wrapf(err, "opening %s", path)
}

// Put adds a blob to the store if it wasn't already present.
// The blob is written to a temporary file, synced,
// and then linked into place,
// so a reader never sees a partial blob.
func (s *Store) Put(_ context.Context, b notedb.Blob) (notedb.Hash, bool, error) {
	var (
		h    = b.Hash()
		path = s.blobpath(h)
		dir  = filepath.Dir(path)
	)

	if _, err := os.Stat(path); err == nil {
		return h, false, nil
	}

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return h, false, errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	tmpname, err := writeTemp(dir, b)
	if err != nil {
		return notedb.Zero, false, err
	}
	defer os.Remove(tmpname)

	err = os.Link(tmpname, path)
	if errors.Is(err, fs.ErrExist) {
		return h, false, nil
	}
	if err != nil {
		return notedb.Zero, false, errors.Wrapf(err, "linking %s", path)
	}
	return h, true, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", errors.Wrapf(err, "creating temp file in %s", dir)
	}
	defer f.Close()

	if _, err = f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrapf(err, "writing %s", f.Name())
	}
	if err = f.Sync(); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrapf(err, "syncing %s", f.Name())
	}
	return f.Name(), nil
}

// Delete removes a blob.
func (s *Store) Delete(_ context.Context, h notedb.Hash) error {
	err := os.Remove(s.blobpath(h))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ListHashes produces all blob hashes in the store, in lexicographic order.
func (s *Store) ListHashes(ctx context.Context, start notedb.Hash, f func(notedb.Hash) error) error {
	err := os.MkdirAll(s.blobroot(), 0755)
	if err != nil {
		return errors.Wrapf(err, "ensuring %s exists", s.blobroot())
	}

	topLevel, err := os.ReadDir(s.blobroot())
	if err != nil {
		return errors.Wrapf(err, "reading dir %s", s.blobroot())
	}

	startHex := start.String()
	topIndex := sort.Search(len(topLevel), func(n int) bool {
		return topLevel[n].Name() >= startHex[:2]
	})
	for i := topIndex; i < len(topLevel); i++ {
		topInfo := topLevel[i]
		if !topInfo.IsDir() {
			continue
		}
		topName := topInfo.Name()
		if len(topName) != 2 {
			continue
		}
		if _, err = strconv.ParseInt(topName, 16, 64); err != nil {
			continue
		}

		midLevel, err := os.ReadDir(filepath.Join(s.blobroot(), topName))
		if err != nil {
			return errors.Wrapf(err, "reading dir %s/%s", s.blobroot(), topName)
		}
		midIndex := sort.Search(len(midLevel), func(n int) bool {
			return midLevel[n].Name() >= startHex[:4]
		})
		for j := midIndex; j < len(midLevel); j++ {
			midInfo := midLevel[j]
			if !midInfo.IsDir() {
				continue
			}
			midName := midInfo.Name()
			if len(midName) != 4 {
				continue
			}
			if _, err = strconv.ParseInt(midName, 16, 64); err != nil {
				continue
			}

			blobInfos, err := os.ReadDir(filepath.Join(s.blobroot(), topName, midName))
			if err != nil {
				return errors.Wrapf(err, "reading dir %s/%s/%s", s.blobroot(), topName, midName)
			}

			index := sort.Search(len(blobInfos), func(n int) bool {
				return blobInfos[n].Name() > startHex
			})
			for k := index; k < len(blobInfos); k++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				blobInfo := blobInfos[k]
				if blobInfo.IsDir() {
					continue
				}

				h, err := notedb.HashFromHex(blobInfo.Name())
				if err != nil {
					continue
				}

				err = f(h)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *Store) refpath(name string) (string, error) {
	if !strings.HasPrefix(name, "refs/") || strings.HasSuffix(name, lockSuffix) {
		return "", errors.Errorf("invalid ref name %s", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, ".tmp-") {
			return "", errors.Errorf("invalid ref name %s", name)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// ReadRef implements notedb.RefReader.
func (s *Store) ReadRef(_ context.Context, name string) (notedb.Hash, error) {
	path, err := s.refpath(name)
	if err != nil {
		return notedb.Zero, err
	}
	h, err := readRefFile(path)
	if err != nil {
		return notedb.Zero, err
	}
	if h.IsZero() {
		return notedb.Zero, notedb.ErrNotFound
	}
	return h, nil
}

// readRefFile returns Zero for a missing file.
func readRefFile(path string) (notedb.Hash, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return notedb.Zero, nil
	}
	if err != nil {
		return notedb.Zero, errors.Wrapf(err, "reading %s", path)
	}
	h, err := notedb.HashFromHex(strings.TrimSpace(string(b)))
	return h, errors.Wrapf(err, "parsing %s", path)
}

// ListRefs implements notedb.RefReader.
func (s *Store) ListRefs(ctx context.Context, prefix string, f func(string, notedb.Hash) error) error {
	dir := s.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = filepath.Join(s.root, filepath.FromSlash(prefix[:i]))
	}

	type pair struct {
		name string
		h    notedb.Hash
	}
	var pairs []pair

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == s.blobroot() {
				return filepath.SkipDir
			}
			return nil
		}
		base := d.Name()
		if strings.HasSuffix(base, lockSuffix) || strings.HasPrefix(base, ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) || !strings.HasPrefix(name, "refs/") {
			return nil
		}
		h, err := readRefFile(path)
		if err != nil {
			return err
		}
		if !h.IsZero() {
			pairs = append(pairs, pair{name: name, h: h})
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "walking %s", dir)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].name < pairs[j].name })
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(p.name, p.h); err != nil {
			return err
		}
	}
	return nil
}

// CompareAndSwap implements notedb.RefTable.
func (s *Store) CompareAndSwap(_ context.Context, name string, oldHash, newHash notedb.Hash) error {
	path, err := s.refpath(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "ensuring path %s exists", dir)
	}

	lockpath := path + lockSuffix
	lf, err := os.OpenFile(lockpath, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", lockpath)
	}
	lf.Close()

	if err = s.flocker.Lock(lockpath); err != nil {
		return errors.Wrapf(err, "locking %s", lockpath)
	}
	defer s.flocker.Unlock(lockpath)

	cur, err := readRefFile(path)
	if err != nil {
		return err
	}
	if cur != oldHash {
		return notedb.ErrConflict
	}

	if newHash.IsZero() {
		err = os.Remove(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return errors.Wrapf(err, "removing %s", path)
	}

	tmpname, err := writeTemp(dir, []byte(newHash.String()+"\n"))
	if err != nil {
		return err
	}
	err = os.Rename(tmpname, path)
	if err != nil {
		os.Remove(tmpname)
		return errors.Wrapf(err, "renaming %s to %s", tmpname, path)
	}
	return nil
}

// Register adds the "file" backend type to r.
func Register(r *store.Registry) {
	r.Register("file", func(_ context.Context, conf map[string]interface{}) (notedb.Backend, error) {
		root, ok := conf["root"].(string)
		if !ok {
			return nil, errors.New(`missing "root" parameter`)
		}
		return New(root), nil
	})
}
