package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/danderson/dsb"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// memFiles is an in-memory Files that counts operations.
type memFiles struct {
	mu    sync.Mutex
	files map[string][]byte
	ops   int
	// failAppend, if set, fails every Append.
	failAppend bool
}

func newMemFiles() *memFiles { return &memFiles{files: map[string][]byte{}} }

func (m *memFiles) Create(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	m.files[path] = []byte{}
	return nil
}

func (m *memFiles) Append(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if m.failAppend {
		return errors.New("disk full")
	}
	f, ok := m.files[path]
	if !ok {
		return fs.ErrNotExist
	}
	m.files[path] = append(f, data...)
	return nil
}

func (m *memFiles) ReadAt(path string, off int64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	f, ok := m.files[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	if off >= int64(len(f)) {
		return []byte{}, nil
	}
	end := min(int(off)+n, len(f))
	return bytes.Clone(f[off:end]), nil
}

func (m *memFiles) Size(path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	f, ok := m.files[path]
	if !ok {
		return 0, fs.ErrNotExist
	}
	return int64(len(f)), nil
}

func (m *memFiles) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops++
	if _, ok := m.files[path]; !ok {
		return fs.ErrNotExist
	}
	delete(m.files, path)
	return nil
}

// put stores data at path, as a pre-read hook would.
func (m *memFiles) put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = bytes.Clone(data)
}

func (m *memFiles) count() (files, ops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files), m.ops
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type uploads struct {
	mu  sync.Mutex
	got [][]byte
}

func newWriteSession(t *testing.T, files *memFiles) (*Session, *uploads) {
	t.Helper()
	var up uploads
	s := New("/BridgeConfig", Options{
		Dir:    "/staging",
		Files:  files,
		Logger: discardLogger(),
		Hooks: Hooks{
			PostWrite: func(path string) error {
				if !strings.HasPrefix(path, "/staging/") || !strings.HasSuffix(path, ".xml") {
					t.Errorf("post-write got staging path %q", path)
				}
				bs, err := files.ReadAt(path, 0, 1<<20)
				if err != nil {
					return err
				}
				up.mu.Lock()
				defer up.mu.Unlock()
				up.got = append(up.got, bs)
				return nil
			},
		},
	})
	return s, &up
}

func TestChunkedWrite(t *testing.T) {
	files := newMemFiles()
	s, up := newWriteSession(t, files)

	token, chunk, err := s.StartChunkWrite(9000)
	if err != nil {
		t.Fatalf("StartChunkWrite got err: %v", err)
	}
	if token == 0 {
		t.Error("StartChunkWrite returned the invalid token 0")
	}
	if chunk != ChunkSize {
		t.Errorf("chunk size = %d, want %d", chunk, ChunkSize)
	}

	block := bytes.Repeat([]byte{'x'}, ChunkSize)
	wantTransferred := []uint32{4096, 8192, 9000}
	for i, want := range wantTransferred {
		if err := s.WriteNextChunk(token, block); err != nil {
			t.Fatalf("WriteNextChunk %d got err: %v", i, err)
		}
		st := s.State()
		if st.Transferred != want {
			t.Errorf("after chunk %d transferred = %d, want %d", i, st.Transferred, want)
		}
		if last := i == len(wantTransferred)-1; st.Ended != last || st.InProgress == last {
			t.Errorf("after chunk %d ended=%v in progress=%v", i, st.Ended, st.InProgress)
		}
	}

	if len(up.got) != 1 {
		t.Fatalf("post-write hook ran %d times, want 1", len(up.got))
	}
	if len(up.got[0]) != 9000 {
		t.Errorf("uploaded %d bytes, want 9000 (overshoot is clamped)", len(up.got[0]))
	}
	if n, _ := files.count(); n != 0 {
		t.Errorf("%d staging files left behind", n)
	}

	_, opsBefore := files.count()
	if err := s.WriteNextChunk(token, block); err != dsb.StatusEndOfData {
		t.Errorf("WriteNextChunk after end = %v, want EndOfData", err)
	}
	if _, ops := files.count(); ops != opsBefore {
		t.Error("WriteNextChunk after end touched the filesystem")
	}
}

func TestWriteExclusive(t *testing.T) {
	files := newMemFiles()
	s, _ := newWriteSession(t, files)

	token, _, err := s.StartChunkWrite(10)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteNextChunk(token, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	before := s.State()

	if _, _, err := s.StartChunkWrite(5); err != dsb.StatusPermissionDenied {
		t.Errorf("second StartChunkWrite = %v, want PermissionDenied", err)
	}
	if _, _, _, err := s.StartChunkRead(); err != dsb.StatusPermissionDenied {
		t.Errorf("StartChunkRead during write = %v, want PermissionDenied", err)
	}
	_, opsBefore := files.count()
	if err := s.WriteNextChunk(token+1, []byte("zzz")); err != dsb.StatusPermissionDenied {
		t.Errorf("WriteNextChunk with stale token = %v, want PermissionDenied", err)
	}
	if _, ops := files.count(); ops != opsBefore {
		t.Error("WriteNextChunk with stale token touched the filesystem")
	}
	if _, err := s.ReadNextChunk(token); err != dsb.StatusPermissionDenied {
		t.Errorf("ReadNextChunk during write = %v, want PermissionDenied", err)
	}
	if diff := cmp.Diff(s.State(), before); diff != "" {
		t.Errorf("refused calls changed state (-got+want):\n%s", diff)
	}

	if err := s.WriteNextChunk(token, []byte("defghij")); err != nil {
		t.Fatalf("finishing write got err: %v", err)
	}

	// A new transfer gets a new token.
	token2, _, err := s.StartChunkWrite(1)
	if err != nil {
		t.Fatal(err)
	}
	if token2 == token || token2 == 0 {
		t.Errorf("second transfer token = %d, first was %d", token2, token)
	}
}

func TestWriteErrors(t *testing.T) {
	files := newMemFiles()
	s, up := newWriteSession(t, files)

	var se *dsb.StatusError
	if _, _, err := s.StartChunkWrite(0); !errors.As(err, &se) || se.Status != dsb.StatusBadArgument {
		t.Errorf("StartChunkWrite(0) = %v, want BadArgument", err)
	}
	if s.InProgress() {
		t.Fatal("rejected start left the session busy")
	}
	if err := s.WriteNextChunk(1, []byte("x")); err != dsb.StatusPermissionDenied {
		t.Errorf("WriteNextChunk on idle session = %v, want PermissionDenied", err)
	}

	token, _, err := s.StartChunkWrite(10)
	if err != nil {
		t.Fatal(err)
	}
	files.failAppend = true
	if err := s.WriteNextChunk(token, []byte("x")); dsb.StatusOf(err) != dsb.StatusWriteFailed {
		t.Errorf("failed append = %v, want WriteFailed", err)
	}
	if s.InProgress() {
		t.Error("write failure did not end the transfer")
	}
	if len(up.got) != 0 {
		t.Error("post-write hook ran for failed transfer")
	}
}

func TestPostWriteFailure(t *testing.T) {
	files := newMemFiles()
	s := New("/AdapterConfig", Options{
		Files:  files,
		Logger: discardLogger(),
		Hooks: Hooks{
			PostWrite: func(string) error { return errors.New("bad document") },
		},
	})
	token, _, err := s.StartChunkWrite(3)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteNextChunk(token, []byte("abc")); dsb.StatusOf(err) != dsb.StatusOSError {
		t.Errorf("WriteNextChunk with failing hook = %v, want OSError", err)
	}
	if s.InProgress() {
		t.Error("hook failure left the session busy")
	}
	if n, _ := files.count(); n != 0 {
		t.Errorf("%d staging files left behind", n)
	}
	if _, _, err := s.StartChunkWrite(1); err != nil {
		t.Errorf("StartChunkWrite after hook failure = %v", err)
	}
}

func newReadSession(files *memFiles, doc []byte, postReads *int) *Session {
	return New("/BridgeConfig", Options{
		Dir:    "/staging",
		Files:  files,
		Logger: discardLogger(),
		Hooks: Hooks{
			PreRead: func(path string) error {
				files.put(path, doc)
				return nil
			},
			PostRead: func(string) error {
				*postReads++
				return nil
			},
		},
	})
}

func TestChunkedRead(t *testing.T) {
	doc := bytes.Repeat([]byte("0123456789"), 1000)
	files := newMemFiles()
	postReads := 0
	s := newReadSession(files, doc, &postReads)

	size, token, chunk, err := s.StartChunkRead()
	if err != nil {
		t.Fatalf("StartChunkRead got err: %v", err)
	}
	if size != uint32(len(doc)) || token == 0 || chunk != ChunkSize {
		t.Fatalf("StartChunkRead = (%d, %d, %d), want (%d, nonzero, %d)", size, token, chunk, len(doc), ChunkSize)
	}

	if _, err := s.ReadNextChunk(token + 1); err != dsb.StatusPermissionDenied {
		t.Errorf("ReadNextChunk with stale token = %v, want PermissionDenied", err)
	}

	var got []byte
	var sizes []int
	for range 3 {
		bs, err := s.ReadNextChunk(token)
		if err != nil {
			t.Fatalf("ReadNextChunk got err: %v", err)
		}
		got = append(got, bs...)
		sizes = append(sizes, len(bs))
	}
	if diff := cmp.Diff(sizes, []int{4096, 4096, 1808}); diff != "" {
		t.Errorf("chunk sizes (-got+want):\n%s", diff)
	}
	if !bytes.Equal(got, doc) {
		t.Error("downloaded document differs from the original")
	}
	if postReads != 1 {
		t.Errorf("post-read hook ran %d times, want 1", postReads)
	}
	if s.InProgress() {
		t.Error("session still busy after last chunk")
	}
	if n, _ := files.count(); n != 0 {
		t.Errorf("%d staging files left behind", n)
	}

	_, opsBefore := files.count()
	if _, err := s.ReadNextChunk(token); err != dsb.StatusEndOfData {
		t.Errorf("ReadNextChunk after end = %v, want EndOfData", err)
	}
	if _, ops := files.count(); ops != opsBefore {
		t.Error("ReadNextChunk after end touched the filesystem")
	}
}

func TestReadEmpty(t *testing.T) {
	files := newMemFiles()
	postReads := 0
	s := newReadSession(files, nil, &postReads)

	size, token, _, err := s.StartChunkRead()
	if err != nil {
		t.Fatalf("StartChunkRead got err: %v", err)
	}
	if size != 0 {
		t.Errorf("size = %d, want 0", size)
	}
	if s.InProgress() || postReads != 1 {
		t.Errorf("empty download not finished immediately: in progress=%v post-reads=%d", s.InProgress(), postReads)
	}
	if _, err := s.ReadNextChunk(token); err != dsb.StatusEndOfData {
		t.Errorf("ReadNextChunk of empty document = %v, want EndOfData", err)
	}
}

func TestReadErrors(t *testing.T) {
	files := newMemFiles()
	s := New("x", Options{Files: files, Logger: discardLogger()})
	if _, _, _, err := s.StartChunkRead(); err != dsb.StatusNotImplemented {
		t.Errorf("StartChunkRead without hook = %v, want NotImplemented", err)
	}

	s = New("x", Options{
		Files:  files,
		Logger: discardLogger(),
		Hooks:  Hooks{PreRead: func(string) error { return errors.New("no config") }},
	})
	if _, _, _, err := s.StartChunkRead(); dsb.StatusOf(err) != dsb.StatusOSError {
		t.Errorf("StartChunkRead with failing hook = %v, want OSError", err)
	}
	if s.InProgress() {
		t.Error("failed start left the session busy")
	}
}

func TestAbort(t *testing.T) {
	files := newMemFiles()
	reg := prometheus.NewRegistry()
	counter := NewSessionCounter(reg)
	s := New("/BridgeConfig", Options{
		Files:    files,
		Logger:   discardLogger(),
		Sessions: counter,
	})
	if s.Abort() {
		t.Error("Abort of idle session reported a transfer")
	}

	token, _, err := s.StartChunkWrite(100)
	if err != nil {
		t.Fatal(err)
	}
	staging := s.State().StagingPath
	if n, _ := files.count(); n != 1 {
		t.Fatalf("got %d staging files, want 1", n)
	}
	if !s.Abort() {
		t.Error("Abort of busy session reported no transfer")
	}
	if _, err := files.Size(staging); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("staging file %q still present after abort", staging)
	}
	if s.InProgress() {
		t.Error("session still busy after abort")
	}
	if err := s.WriteNextChunk(token, []byte("x")); err != dsb.StatusPermissionDenied {
		t.Errorf("WriteNextChunk after abort = %v, want PermissionDenied", err)
	}
	if got := testutil.ToFloat64(counter.WithLabelValues("/BridgeConfig", "write", OutcomeAborted)); got != 1 {
		t.Errorf("aborted write counter = %v, want 1", got)
	}
}

func TestMethods(t *testing.T) {
	files := newMemFiles()
	s, up := newWriteSession(t, files)
	methods := map[string]Method{}
	for _, m := range s.Methods() {
		methods[m.Name] = m
	}
	ctx := context.Background()

	out, err := methods["StartChunkWrite"].Call(ctx, dsb.MustMarshalArgs(dsb.MustValueOf(uint32(5))))
	if err != nil {
		t.Fatalf("StartChunkWrite got err: %v", err)
	}
	if got := out.Signature.String(); got != "(uu)" {
		t.Errorf("StartChunkWrite out signature = %q, want (uu)", got)
	}
	fields, err := ParseStruct(out, 2)
	if err != nil {
		t.Fatalf("parsing StartChunkWrite reply: %v", err)
	}
	if fields[1] != ChunkSize {
		t.Errorf("chunk size = %d, want %d", fields[1], ChunkSize)
	}

	if _, err := methods["WriteNextChunk"].Call(ctx, WriteChunkArgs(fields[0], []byte("hello"))); err != nil {
		t.Fatalf("WriteNextChunk got err: %v", err)
	}
	if len(up.got) != 1 || string(up.got[0]) != "hello" {
		t.Errorf("uploads = %q, want [hello]", up.got)
	}

	_, err = methods["WriteNextChunk"].Call(ctx, dsb.MustMarshalArgs(dsb.MustValueOf(uint32(1))))
	if dsb.StatusOf(err) != dsb.StatusBadArgument {
		t.Errorf("WriteNextChunk with wrong signature = %v, want BadArgument", err)
	}
	_, err = methods["StartChunkWrite"].Call(ctx, dsb.MustMarshalArgs())
	if dsb.StatusOf(err) != dsb.StatusBadArgument {
		t.Errorf("StartChunkWrite with no args = %v, want BadArgument", err)
	}
}

func TestReadMethods(t *testing.T) {
	files := newMemFiles()
	postReads := 0
	s := newReadSession(files, []byte("<config/>"), &postReads)
	var read, next Method
	for _, m := range s.Methods() {
		switch m.Name {
		case "StartChunkRead":
			read = m
		case "ReadNextChunk":
			next = m
		}
	}
	ctx := context.Background()

	out, err := read.Call(ctx, dsb.MustMarshalArgs())
	if err != nil {
		t.Fatalf("StartChunkRead got err: %v", err)
	}
	fields, err := ParseStruct(out, 3)
	if err != nil {
		t.Fatalf("parsing StartChunkRead reply: %v", err)
	}
	if diff := cmp.Diff(fields, []uint32{9, fields[1], ChunkSize}); diff != "" {
		t.Errorf("StartChunkRead reply (-got+want):\n%s", diff)
	}

	out, err = next.Call(ctx, dsb.MustMarshalArgs(dsb.MustValueOf(fields[1])))
	if err != nil {
		t.Fatalf("ReadNextChunk got err: %v", err)
	}
	vs, err := out.Values()
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := dsb.Get[[]uint8](vs[0]); string(got) != "<config/>" {
		t.Errorf("ReadNextChunk = %q, want <config/>", got)
	}
}

func TestOSFiles(t *testing.T) {
	dir := t.TempDir()
	var got []byte
	s := New("/BridgeConfig", Options{
		Dir:    filepath.Join(dir, "staging"),
		Logger: discardLogger(),
		Hooks: Hooks{
			PostWrite: func(path string) error {
				var err error
				got, err = os.ReadFile(path)
				return err
			},
		},
	})
	token, _, err := s.StartChunkWrite(6)
	if err != nil {
		t.Fatalf("StartChunkWrite got err: %v", err)
	}
	for _, chunk := range []string{"abc", "def"} {
		if err := s.WriteNextChunk(token, []byte(chunk)); err != nil {
			t.Fatalf("WriteNextChunk got err: %v", err)
		}
	}
	if string(got) != "abcdef" {
		t.Errorf("uploaded %q, want abcdef", got)
	}
	left, err := os.ReadDir(filepath.Join(dir, "staging"))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("staging files left behind: %v", left)
	}
}
