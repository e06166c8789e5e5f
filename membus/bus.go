// Package membus is an in-process message bus.
//
// A Bus holds the objects exported by services, routes method calls
// and property accesses to them, tracks the sessions peers join, and
// delivers emitted signals and property changes to [Watcher]s. It
// implements the bus the bridge exports devices onto, without any
// wire transport.
package membus

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/value"
	"github.com/danderson/dsb"
)

// Bus error names, reported as [dsb.CallError]s.
const (
	ErrUnknownService   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrNameTaken        = "org.freedesktop.DBus.Error.NameTaken"
)

// ErrClosed is returned by exports on a closed Bus.
var ErrClosed = errors.New("membus: bus closed")

// Options configures a Bus.
type Options struct {
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Bus is an in-process message bus.
type Bus struct {
	log *slog.Logger

	mu          sync.Mutex
	closed      bool
	services    map[string]*service
	sessions    map[dsb.SessionID]*session
	lastSession dsb.SessionID
	watchers    mapset.Set[*Watcher]
}

type service struct {
	name     string
	objects  map[string]*dsb.BusObject
	listener dsb.SessionListener
}

type session struct {
	id      dsb.SessionID
	service string
	peer    string
}

// New returns an empty Bus.
func New(opts Options) *Bus {
	ret := &Bus{
		log:      opts.Logger,
		services: map[string]*service{},
		sessions: map[dsb.SessionID]*session{},
		watchers: mapset.New[*Watcher](),
	}
	if ret.log == nil {
		ret.log = slog.Default()
	}
	return ret
}

// Close shuts down the bus. All watchers are closed, and further
// exports fail.
func (b *Bus) Close() {
	ws := func() []*Watcher {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		return slices.Collect(maps.Keys(b.watchers))
	}()
	for _, w := range ws {
		w.Close()
	}
}

// Export publishes objects under the service name. l, if non-nil, is
// told about sessions joining and leaving the service.
func (b *Bus) Export(name string, objects []*dsb.BusObject, l dsb.SessionListener) error {
	if name == "" {
		return dsb.BadArgument(1)
	}
	svc := &service{
		name:     name,
		objects:  make(map[string]*dsb.BusObject, len(objects)),
		listener: l,
	}
	for _, o := range objects {
		if !strings.HasPrefix(o.Path, "/") {
			return dsb.Errorf(dsb.StatusBadArgument, "export", "invalid object path %q", o.Path)
		}
		if svc.objects[o.Path] != nil {
			return dsb.Errorf(dsb.StatusBadArgument, "export", "duplicate object path %q", o.Path)
		}
		svc.objects[o.Path] = o
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.services[name] != nil {
		return dsb.CallError{Name: ErrNameTaken, Detail: fmt.Sprintf("service %q already exported", name)}
	}
	b.services[name] = svc
	b.log.Debug("service exported", "service", name, "objects", len(objects))
	return nil
}

// Unexport withdraws the service name and all its objects. Sessions
// with the service end without notifying its listener.
func (b *Bus) Unexport(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.services[name] == nil {
		return dsb.Errorf(dsb.StatusNotFound, "unexport", "service %q not exported", name)
	}
	delete(b.services, name)
	maps.DeleteFunc(b.sessions, func(_ dsb.SessionID, s *session) bool { return s.service == name })
	b.log.Debug("service withdrawn", "service", name)
	return nil
}

// Services returns the sorted names of the exported services.
func (b *Bus) Services() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.services))
}

// Paths returns the sorted object paths of the named service.
func (b *Bus) Paths(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc := b.services[name]
	if svc == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(svc.objects))
}

// EmitSignal broadcasts a signal from the object at path of the named
// service. If sess is non-zero, the signal is sent only within that
// session.
func (b *Bus) EmitSignal(name, path, iface, member string, args dsb.Args, sess dsb.SessionID) error {
	ws, err := b.emitTargets(name, path, sess)
	if err != nil {
		return err
	}
	n := Notification{
		Service:   name,
		Path:      path,
		Interface: iface,
		Name:      member,
		Session:   sess,
		Body:      args,
	}
	for _, w := range ws {
		w.deliver(n)
	}
	return nil
}

// EmitPropertyChanged broadcasts a change to a property of the object
// at path. An absent val reports that the property changed without
// carrying its new value.
func (b *Bus) EmitPropertyChanged(name, path, iface, prop string, val value.Maybe[dsb.Args], sess dsb.SessionID) error {
	ws, err := b.emitTargets(name, path, sess)
	if err != nil {
		return err
	}
	n := Notification{
		Service:     name,
		Path:        path,
		Interface:   iface,
		Name:        prop,
		Session:     sess,
		Property:    true,
		Body:        val.Get(),
		Invalidated: !val.Present(),
	}
	for _, w := range ws {
		w.deliver(n)
	}
	return nil
}

func (b *Bus) emitTargets(name, path string, sess dsb.SessionID) ([]*Watcher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc := b.services[name]
	if svc == nil {
		return nil, dsb.Errorf(dsb.StatusNotFound, "emit", "service %q not exported", name)
	}
	if svc.objects[path] == nil {
		return nil, dsb.Errorf(dsb.StatusNotFound, "emit", "service %q has no object %q", name, path)
	}
	if sess != 0 {
		s := b.sessions[sess]
		if s == nil || s.service != name {
			return nil, dsb.Errorf(dsb.StatusNotFound, "emit", "no session %d with %q", sess, name)
		}
	}
	return slices.Collect(maps.Keys(b.watchers)), nil
}

// JoinSession joins peer to a new session with the named service.
func (b *Bus) JoinSession(name, peer string) (dsb.SessionID, error) {
	id, l, err := func() (dsb.SessionID, dsb.SessionListener, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		svc := b.services[name]
		if svc == nil {
			return 0, nil, dsb.CallError{Name: ErrUnknownService, Detail: name}
		}
		b.lastSession++
		if b.lastSession == 0 {
			b.lastSession++
		}
		id := b.lastSession
		b.sessions[id] = &session{id, name, peer}
		return id, svc.listener, nil
	}()
	if err != nil {
		return 0, err
	}
	if l != nil {
		l.SessionJoined(id, peer)
	}
	return id, nil
}

// LeaveSession ends the session id. The service's listener is told
// that the peer left.
func (b *Bus) LeaveSession(id dsb.SessionID) error {
	s, l := func() (*session, dsb.SessionListener) {
		b.mu.Lock()
		defer b.mu.Unlock()
		s := b.sessions[id]
		if s == nil {
			return nil, nil
		}
		delete(b.sessions, id)
		if svc := b.services[s.service]; svc != nil {
			return s, svc.listener
		}
		return s, nil
	}()
	if s == nil {
		return dsb.Errorf(dsb.StatusNotFound, "leave session", "no session %d", id)
	}
	if l != nil {
		l.MemberRemoved(id, s.peer)
	}
	return nil
}

// Sessions returns the sorted IDs of the sessions with the named
// service.
func (b *Bus) Sessions(name string) []dsb.SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ret []dsb.SessionID
	for id, s := range b.sessions {
		if s.service == name {
			ret = append(ret, id)
		}
	}
	slices.Sort(ret)
	return ret
}

func (b *Bus) object(name, path string) (*dsb.BusObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc := b.services[name]
	if svc == nil {
		return nil, dsb.CallError{Name: ErrUnknownService, Detail: name}
	}
	o := svc.objects[path]
	if o == nil {
		return nil, dsb.CallError{Name: ErrUnknownObject, Detail: fmt.Sprintf("%s%s", name, path)}
	}
	return o, nil
}

func (b *Bus) iface(name, path, iface string) (*dsb.BusInterface, error) {
	o, err := b.object(name, path)
	if err != nil {
		return nil, err
	}
	bi, ok := o.Interface(iface)
	if !ok {
		return nil, dsb.CallError{Name: ErrUnknownInterface, Detail: fmt.Sprintf("%s has no interface %s", path, iface)}
	}
	return bi, nil
}

// introspect returns the description of the object at path, with
// its immediate children. A path with no object but with exported
// descendants is described as an empty node.
func (b *Bus) introspect(name, path string) (*dsb.ObjectDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	svc := b.services[name]
	if svc == nil {
		return nil, dsb.CallError{Name: ErrUnknownService, Detail: name}
	}

	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	children := mapset.New[string]()
	for p := range svc.objects {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || rest == "" {
			continue
		}
		child, _, _ := strings.Cut(rest, "/")
		children.Add(child)
	}

	var ret *dsb.ObjectDescription
	if o := svc.objects[path]; o != nil {
		ret = o.Description()
	} else if children.Len() > 0 {
		ret = &dsb.ObjectDescription{Interfaces: map[string]*dsb.InterfaceDescription{}}
	} else {
		return nil, dsb.CallError{Name: ErrUnknownObject, Detail: fmt.Sprintf("%s%s", name, path)}
	}
	ret.Children = slices.Sorted(maps.Keys(children))
	return ret, nil
}

// callErr converts a handler failure into the error a bus caller
// sees.
func callErr(err error) error {
	if err == nil {
		return nil
	}
	var ce dsb.CallError
	if errors.As(err, &ce) {
		return ce
	}
	return dsb.CallErrorFor(err)
}
