// Package filestorage implements the disk manager: it maps
// (piece, offset, length) coordinates across one or more files to byte
// ranges, serializes writes per file, and creates every file and
// sparse-allocates it to its final length when the file list is opened,
// not on first write.
package filestorage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coriolis-labs/swarmtorrent/internal/storage"
	"golang.org/x/time/rate"
)

// pathEscapeError guards against a file path escaping the scoped root.
type pathEscapeError struct{ path string }

func (e *pathEscapeError) Error() string { return "filestorage: path escapes root: " + e.path }

func scopedJoin(root string, parts []string) (string, error) {
	rel := filepath.Join(parts...)
	full := filepath.Join(root, rel)
	if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) && full != filepath.Clean(root) {
		return "", &pathEscapeError{path: rel}
	}
	return full, nil
}

// osFile is one real, mutex-serialized file on disk.
type osFile struct {
	mu   sync.Mutex
	f    *os.File
	name string
	size int64
}

func (f *osFile) Name() string  { return f.name }
func (f *osFile) Length() int64 { return f.size }

func (f *osFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.WriteAt(p, off)
}

func (f *osFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.ReadAt(p, off)
}

func (f *osFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}

var _ storage.File = (*osFile)(nil)

// FileStorage is a storage.Storage backed by the real filesystem, scoped to
// a destination root directory.
type FileStorage struct {
	dest    string
	limiter *rate.Limiter // optional, nil means unlimited
}

// New returns a FileStorage rooted at dest, creating the directory if
// needed.
func New(dest string) (*FileStorage, error) {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

// SetRateLimit stores a token-bucket limiter on this storage. Reads and
// writes through the files Open returns do not consult it, so it does
// not bound throughput.
func (s *FileStorage) SetRateLimit(bytesPerSecond float64, burst int) {
	if bytesPerSecond <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Dest returns the root directory.
func (s *FileStorage) Dest() string { return s.dest }

// Open creates (or opens) the given files under the scoped root and
// truncates each to its final length, sparse-allocating on platforms that
// support it.
func (s *FileStorage) Open(files []storage.FileInfo) ([]storage.File, error) {
	out := make([]storage.File, len(files))
	for i, fi := range files {
		full, err := scopedJoin(s.dest, fi.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0640)
		if err != nil {
			return nil, err
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if st.Size() < fi.Length {
			if err := f.Truncate(fi.Length); err != nil {
				f.Close()
				return nil, err
			}
		}
		out[i] = &osFile{f: f, name: strings.Join(fi.Path, "/"), size: fi.Length}
	}
	return out, nil
}

// Index maps a flat content offset space (the concatenation of all files,
// in order) onto byte ranges within individual files, resolving a
// request in O(log k + s) where s is the number of files touched.
type Index struct {
	files   []storage.File
	offsets []int64 // cumulative starting offset of files[i]
	total   int64
}

// NewIndex builds the interval index for files, in order.
func NewIndex(files []storage.File) *Index {
	offsets := make([]int64, len(files))
	var total int64
	for i, f := range files {
		offsets[i] = total
		total += f.Length()
	}
	return &Index{files: files, offsets: offsets, total: total}
}

// segment is one (file, in-file offset, length) chain link.
type segment struct {
	file   storage.File
	offset int64
	length int64
}

// resolve splits [off, off+n) into per-file segments.
func (idx *Index) resolve(off, n int64) ([]segment, error) {
	if off < 0 || n < 0 || off+n > idx.total {
		return nil, storage.ErrOutOfRange
	}
	if n == 0 {
		return nil, nil
	}
	// Find the first file whose range could contain off.
	i := sort.Search(len(idx.offsets), func(i int) bool {
		end := idx.offsets[i] + idx.files[i].Length()
		return end > off
	})
	var segs []segment
	remaining := n
	cur := off
	for remaining > 0 && i < len(idx.files) {
		fileStart := idx.offsets[i]
		fileLen := idx.files[i].Length()
		inFileOff := cur - fileStart
		avail := fileLen - inFileOff
		take := remaining
		if take > avail {
			take = avail
		}
		segs = append(segs, segment{file: idx.files[i], offset: inFileOff, length: take})
		cur += take
		remaining -= take
		i++
	}
	if remaining > 0 {
		return nil, storage.ErrOutOfRange
	}
	return segs, nil
}

// WriteAt writes data at flat content offset off, idempotently: callers
// (the piece writer) guarantee that any overlapping write carries
// identical content, since only verified pieces are written and pieces map
// to disjoint ranges.
func (idx *Index) WriteAt(off int64, data []byte) error {
	segs, err := idx.resolve(off, int64(len(data)))
	if err != nil {
		return err
	}
	var consumed int64
	for _, seg := range segs {
		if _, err := seg.file.WriteAt(data[consumed:consumed+seg.length], seg.offset); err != nil {
			return err
		}
		consumed += seg.length
	}
	return nil
}

// ReadAt reads exactly n bytes starting at flat content offset off, or
// fails with ErrOutOfRange if the range isn't fully covered by the file
// list.
func (idx *Index) ReadAt(off int64, n int) ([]byte, error) {
	segs, err := idx.resolve(off, int64(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	var consumed int64
	for _, seg := range segs {
		if _, err := seg.file.ReadAt(out[consumed:consumed+seg.length], seg.offset); err != nil {
			return nil, err
		}
		consumed += seg.length
	}
	return out, nil
}
