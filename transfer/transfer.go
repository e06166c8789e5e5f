// Package transfer implements the chunked file transfer protocol used
// to move configuration documents across the bus.
//
// A [Session] allows one transfer at a time, in either direction. A
// writer calls StartChunkWrite with the total size of the document,
// then WriteNextChunk until the declared size has been sent. A reader
// calls StartChunkRead to learn the document size, then ReadNextChunk
// until it has everything. Each transfer is identified by a token,
// and chunk calls carrying any other token are refused without
// disturbing the transfer in progress.
//
// Transfers are staged through a file, which is handed to [Hooks] at
// either end of the transfer and deleted once the transfer is over.
package transfer

import (
	"errors"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/danderson/dsb"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ChunkSize is the maximum number of bytes carried by one chunk.
const ChunkSize = 4096

const stagingExt = ".xml"

// Direction is the direction of a transfer, from the point of view
// of the bus peer driving it.
type Direction string

const (
	DirectionNone  Direction = ""
	DirectionWrite Direction = "write"
	DirectionRead  Direction = "read"
)

// Outcomes of a transfer, as counted by [Options.Sessions].
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
	OutcomeAborted  = "aborted"
)

// Hooks connect a Session to the document being transferred.
type Hooks struct {
	// PostWrite consumes a completed upload staged at path. The
	// staging file is deleted after PostWrite returns.
	PostWrite func(path string) error
	// PreRead writes the document to download to path.
	PreRead func(path string) error
	// PostRead runs when a download stops, whether or not it
	// completed, before the staging file at path is deleted.
	PostRead func(path string) error
}

// Options configures a Session.
type Options struct {
	// Dir is the directory in which staging files are created.
	Dir string
	// Files is the staging file storage. If nil, OSFiles is used.
	Files Files
	Hooks Hooks
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Sessions, if non-nil, counts finished transfers. It must have
	// the labels "object", "direction" and "outcome".
	Sessions *prometheus.CounterVec
}

// NewSessionCounter returns a counter suitable for
// [Options.Sessions], registered with reg if reg is non-nil.
func NewSessionCounter(reg prometheus.Registerer) *prometheus.CounterVec {
	ret := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsb_transfer_sessions_total",
			Help: "Finished chunked transfers by object, direction and outcome.",
		},
		[]string{"object", "direction", "outcome"},
	)
	if reg != nil {
		reg.MustRegister(ret)
	}
	return ret
}

// A Session is the transfer state of one bus object.
type Session struct {
	name     string
	dir      string
	files    Files
	hooks    Hooks
	log      *slog.Logger
	sessions *prometheus.CounterVec

	// busy is set while a transfer is in progress. It is only
	// modified with mu held, but may be read without it.
	busy atomic.Bool

	mu        sync.Mutex
	lastToken uint32
	token     uint32
	direction Direction
	size      uint32
	done      uint32
	ended     bool
	path      string
}

// State is a snapshot of a Session.
type State struct {
	InProgress  bool
	Direction   Direction
	Token       uint32
	Size        uint32
	Transferred uint32
	// Ended reports whether the last transfer reached its end.
	Ended bool
	// StagingPath is the staging file of the transfer in progress.
	StagingPath string
}

// New returns an idle Session. name identifies the session in logs
// and metrics, and is usually the path of its bus object.
func New(name string, opts Options) *Session {
	ret := &Session{
		name:     name,
		dir:      opts.Dir,
		files:    opts.Files,
		hooks:    opts.Hooks,
		log:      opts.Logger,
		sessions: opts.Sessions,
	}
	if ret.files == nil {
		ret.files = OSFiles{}
	}
	if ret.log == nil {
		ret.log = slog.Default()
	}
	ret.log = ret.log.With("transfer", name)
	return ret
}

// InProgress reports whether a transfer is in progress. It does not
// block.
func (s *Session) InProgress() bool {
	return s.busy.Load()
}

// State returns a snapshot of the session's state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		InProgress:  s.busy.Load(),
		Direction:   s.direction,
		Token:       s.token,
		Size:        s.size,
		Transferred: s.done,
		Ended:       s.ended,
		StagingPath: s.path,
	}
}

// acquireLocked claims the session for a new transfer, or reports
// false if a transfer is already in progress.
func (s *Session) acquireLocked(d Direction) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	s.direction = d
	s.token = 0
	s.size = 0
	s.done = 0
	s.ended = false
	s.path = filepath.Join(s.dir, uuid.NewString()+stagingExt)
	return true
}

// nextTokenLocked returns a fresh transfer token. Zero is never
// issued.
func (s *Session) nextTokenLocked() uint32 {
	s.lastToken++
	if s.lastToken == 0 {
		s.lastToken++
	}
	return s.lastToken
}

// finishLocked ends the transfer in progress: it runs the post-read
// hook for downloads, deletes the staging file, and only then
// releases the session.
func (s *Session) finishLocked(outcome string) {
	if s.direction == DirectionRead && s.hooks.PostRead != nil {
		if err := s.hooks.PostRead(s.path); err != nil {
			s.log.Warn("post-read hook failed", "err", err)
		}
	}
	if s.path != "" {
		if err := s.files.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("removing staging file", "path", s.path, "err", err)
		}
		s.path = ""
	}
	if s.sessions != nil {
		s.sessions.WithLabelValues(s.name, string(s.direction), outcome).Inc()
	}
	s.log.Debug("transfer finished", "direction", s.direction, "outcome", outcome, "bytes", s.done)
	s.busy.Store(false)
}

// Abort ends the transfer in progress, if any, and reports whether
// there was one.
func (s *Session) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy.Load() {
		return false
	}
	s.finishLocked(OutcomeAborted)
	return true
}

// checkLocked validates a chunk call for a transfer in direction d.
func (s *Session) checkLocked(d Direction, token uint32) error {
	if s.ended {
		return dsb.StatusEndOfData
	}
	if !s.busy.Load() || s.direction != d || token == 0 || token != s.token {
		return dsb.StatusPermissionDenied
	}
	return nil
}

// StartChunkWrite begins an upload of size bytes. It returns the
// transfer's token and the chunk size to use.
func (s *Session) StartChunkWrite(size uint32) (token, chunkSize uint32, err error) {
	if size == 0 {
		return 0, 0, dsb.BadArgument(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquireLocked(DirectionWrite) {
		return 0, 0, dsb.StatusPermissionDenied
	}
	if err := s.files.Create(s.path); err != nil {
		s.log.Error("creating staging file", "path", s.path, "err", err)
		s.finishLocked(OutcomeFailed)
		return 0, 0, &dsb.StatusError{Status: dsb.StatusOpenFailed, Op: "start write", Err: err}
	}
	s.size = size
	s.token = s.nextTokenLocked()
	s.log.Debug("upload started", "size", size, "token", s.token)
	return s.token, ChunkSize, nil
}

// WriteNextChunk appends data to the upload identified by token.
//
// When the declared size is reached, the upload is handed to the
// post-write hook and the session is released, even if the hook
// fails. Bytes beyond the declared size are discarded.
func (s *Session) WriteNextChunk(token uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(DirectionWrite, token); err != nil {
		return err
	}

	if remaining := s.size - s.done; uint64(len(data)) > uint64(remaining) {
		s.log.Warn("chunk overshoots declared size, truncating", "declared", s.size, "transferred", s.done, "chunk", len(data))
		data = data[:remaining]
	}
	if err := s.files.Append(s.path, data); err != nil {
		s.log.Error("writing staging file", "path", s.path, "err", err)
		s.finishLocked(OutcomeFailed)
		return &dsb.StatusError{Status: dsb.StatusWriteFailed, Op: "write chunk", Err: err}
	}
	s.done += uint32(len(data))
	if s.done < s.size {
		return nil
	}

	s.ended = true
	var hookErr error
	if s.hooks.PostWrite != nil {
		hookErr = s.hooks.PostWrite(s.path)
	}
	if hookErr != nil {
		s.log.Error("post-write hook failed", "err", hookErr)
		s.finishLocked(OutcomeFailed)
		return &dsb.StatusError{Status: dsb.StatusOSError, Op: "post write", Err: hookErr}
	}
	s.finishLocked(OutcomeComplete)
	return nil
}

// StartChunkRead begins a download. It materializes the document
// with the pre-read hook, and returns its size, the transfer's token
// and the chunk size.
//
// An empty document completes the download immediately.
func (s *Session) StartChunkRead() (size, token, chunkSize uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquireLocked(DirectionRead) {
		return 0, 0, 0, dsb.StatusPermissionDenied
	}
	if s.hooks.PreRead == nil {
		s.finishLocked(OutcomeFailed)
		return 0, 0, 0, dsb.StatusNotImplemented
	}
	if err := s.hooks.PreRead(s.path); err != nil {
		s.log.Error("pre-read hook failed", "err", err)
		s.finishLocked(OutcomeFailed)
		return 0, 0, 0, &dsb.StatusError{Status: dsb.StatusOSError, Op: "pre read", Err: err}
	}
	n, err := s.files.Size(s.path)
	if err == nil && n > math.MaxUint32 {
		err = errors.New("document too large")
	}
	if err != nil {
		s.log.Error("sizing staging file", "path", s.path, "err", err)
		s.finishLocked(OutcomeFailed)
		return 0, 0, 0, &dsb.StatusError{Status: dsb.StatusOSError, Op: "start read", Err: err}
	}

	s.size = uint32(n)
	s.token = s.nextTokenLocked()
	token = s.token
	s.log.Debug("download started", "size", s.size, "token", token)
	if s.size == 0 {
		s.ended = true
		s.finishLocked(OutcomeComplete)
	}
	return uint32(n), token, ChunkSize, nil
}

// ReadNextChunk returns the next chunk of the download identified by
// token. The session is released after the last chunk is read.
func (s *Session) ReadNextChunk(token uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(DirectionRead, token); err != nil {
		return nil, err
	}

	n := min(ChunkSize, s.size-s.done)
	ret, err := s.files.ReadAt(s.path, int64(s.done), int(n))
	if err == nil && len(ret) == 0 {
		err = errors.New("staging file truncated")
	}
	if err != nil {
		s.log.Error("reading staging file", "path", s.path, "err", err)
		s.finishLocked(OutcomeFailed)
		return nil, &dsb.StatusError{Status: dsb.StatusReadFailed, Op: "read chunk", Err: err}
	}
	s.done += uint32(len(ret))
	if s.done >= s.size {
		s.ended = true
		s.finishLocked(OutcomeComplete)
	}
	return ret, nil
}
