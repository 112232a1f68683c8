// Package allocator opens/creates a torrent's file list on disk in the
// background, reporting progress as bytes become available.
package allocator

import "github.com/coriolis-labs/swarmtorrent/internal/storage"

// Progress reports allocation progress as files are opened/created.
type Progress struct {
	AllocatedSize int64
}

// Allocator opens a torrent's file list against a Storage, run in its own
// goroutine.
type Allocator struct {
	Error error
	Files []storage.File

	sto   storage.Storage
	files []storage.FileInfo
}

// New creates an Allocator for files against sto.
func New(sto storage.Storage, files []storage.FileInfo) *Allocator {
	return &Allocator{sto: sto, files: files}
}

// Run opens each file in order, reporting cumulative allocated size on
// progressC after each one, and sends itself on resultC when done
// (successfully or not).
func (a *Allocator) Run(progressC chan Progress, resultC chan *Allocator, stopC <-chan struct{}) {
	var allocated int64
	out := make([]storage.File, 0, len(a.files))
	for _, fi := range a.files {
		select {
		case <-stopC:
			a.Error = nil
			resultC <- a
			return
		default:
		}
		files, err := a.sto.Open([]storage.FileInfo{fi})
		if err != nil {
			a.Error = err
			resultC <- a
			return
		}
		out = append(out, files[0])
		allocated += fi.Length
		select {
		case progressC <- Progress{AllocatedSize: allocated}:
		case <-stopC:
			resultC <- a
			return
		}
	}
	a.Files = out
	resultC <- a
}
