package unionfs

import (
	"os"
	"path"
	"sync"

	"github.com/absfs/absfs"
)

// The side-IO queue: a single worker that performs branch operations under
// the union's own authority rather than the caller's - opacity probes and
// whiteout maintenance inside directories the calling user may not be able
// to touch. Requests are a tagged union, submitted and awaited
// synchronously; the single thread gives the sweeps a strict order.

type sioqKind int

const (
	sioqLookup sioqKind = iota
	sioqCreate
	sioqUnlink
	sioqIsOpaque
	sioqDeleteWhiteouts
)

type statFS interface {
	Stat(string) (os.FileInfo, error)
}

type sioqRequest struct {
	kind sioqKind

	fs     statFS
	rmfs   interface{ Remove(string) error }
	mkfs   absfs.FileSystem
	dir    string
	name   string
	mode   os.FileMode
	bindex int
	tally  *filldirTable

	done   chan struct{}
	err    error
	info   os.FileInfo
	opaque bool
}

type sioq struct {
	u    *UnionFS
	reqs chan *sioqRequest
	quit chan struct{}
	once sync.Once
}

func newSioq(u *UnionFS) *sioq {
	q := &sioq{
		u:    u,
		reqs: make(chan *sioqRequest),
		quit: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *sioq) run() {
	for {
		select {
		case req := <-q.reqs:
			q.serve(req)
			close(req.done)
		case <-q.quit:
			return
		}
	}
}

func (q *sioq) stop() {
	q.once.Do(func() { close(q.quit) })
}

func (q *sioq) submit(req *sioqRequest) error {
	req.done = make(chan struct{})
	select {
	case q.reqs <- req:
		<-req.done
		return req.err
	case <-q.quit:
		return ErrClosed
	}
}

func (q *sioq) serve(req *sioqRequest) {
	switch req.kind {
	case sioqLookup:
		req.info, req.err = req.fs.Stat(req.name)

	case sioqCreate:
		f, err := req.mkfs.OpenFile(req.name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, req.mode)
		if err != nil {
			req.err = err
			return
		}
		req.err = f.Close()

	case sioqUnlink:
		req.err = req.rmfs.Remove(req.name)

	case sioqIsOpaque:
		info, err := statMaybeLstat(req.fs, opaquePath(req.dir))
		if err != nil {
			if isNotExist(err) {
				return
			}
			req.err = err
			return
		}
		req.opaque = info.Mode().IsRegular()

	case sioqDeleteWhiteouts:
		for _, node := range req.tally.nodes {
			if node.bindex != req.bindex || !node.whiteout {
				continue
			}
			whp := path.Join(req.dir, whName(node.name))
			if err := req.rmfs.Remove(whp); err != nil && !isNotExist(err) {
				req.err = err
				return
			}
		}
	}
}

func (q *sioq) lookup(fs statFS, name string) (os.FileInfo, error) {
	req := &sioqRequest{kind: sioqLookup, fs: fs, name: name}
	err := q.submit(req)
	return req.info, err
}

func (q *sioq) create(fs absfs.FileSystem, name string, mode os.FileMode) error {
	return q.submit(&sioqRequest{kind: sioqCreate, mkfs: fs, name: name, mode: mode})
}

func (q *sioq) unlink(fs interface{ Remove(string) error }, name string) error {
	return q.submit(&sioqRequest{kind: sioqUnlink, rmfs: fs, name: name})
}

func (q *sioq) isOpaque(fs statFS, dir string) (bool, error) {
	req := &sioqRequest{kind: sioqIsOpaque, fs: fs, dir: dir}
	err := q.submit(req)
	return req.opaque, err
}

func (q *sioq) deleteWhiteouts(fs interface{ Remove(string) error }, dir string, bindex int, tally *filldirTable) error {
	return q.submit(&sioqRequest{kind: sioqDeleteWhiteouts, rmfs: fs, dir: dir, bindex: bindex, tally: tally})
}
