package membus

import (
	"strings"

	"github.com/creachadair/mds/value"
	"github.com/danderson/dsb"
)

// Match is a filter that matches bus notifications.
type Match struct {
	service      value.Maybe[string]
	object       value.Maybe[string]
	objectPrefix value.Maybe[string]
	iface        value.Maybe[string]
	member       value.Maybe[string]
	session      value.Maybe[dsb.SessionID]
	properties   value.Maybe[bool]
}

// MatchAll returns a Match for all signals and property changes.
func MatchAll() *Match {
	return &Match{}
}

// MatchSignal returns a Match for the signal member of iface.
func MatchSignal(iface, member string) *Match {
	return &Match{
		iface:      value.Just(iface),
		member:     value.Just(member),
		properties: value.Just(false),
	}
}

// MatchPropertyChanges returns a Match for changes to properties of
// iface. If prop is non-empty, only changes to that property match.
func MatchPropertyChanges(iface, prop string) *Match {
	m := &Match{
		iface:      value.Just(iface),
		properties: value.Just(true),
	}
	if prop != "" {
		m.member = value.Just(prop)
	}
	return m
}

// Service restricts the match to a single emitting service.
func (m *Match) Service(name string) *Match {
	m.service = value.Just(name)
	return m
}

// Object restricts the match to a single emitting object path.
func (m *Match) Object(path string) *Match {
	m.objectPrefix = value.Absent[string]()
	m.object = value.Just(path)
	return m
}

// ObjectPrefix restricts the match to emitting objects rooted at the
// given path prefix.
//
// For example, ObjectPrefix("/Lamp") matches notifications emitted by
// /Lamp and /Lamp/Level, but not /Lampshade.
func (m *Match) ObjectPrefix(path string) *Match {
	m.object = value.Absent[string]()
	if path == "/" {
		m.objectPrefix = value.Absent[string]()
	} else {
		m.objectPrefix = value.Just(strings.TrimSuffix(path, "/"))
	}
	return m
}

// Session restricts the match to notifications sent within one
// session.
func (m *Match) Session(id dsb.SessionID) *Match {
	m.session = value.Just(id)
	return m
}

func (m *Match) matches(n *Notification) bool {
	if p, ok := m.properties.GetOK(); ok && p != n.Property {
		return false
	}
	if s, ok := m.service.GetOK(); ok && n.Service != s {
		return false
	}
	if o, ok := m.object.GetOK(); ok && n.Path != o {
		return false
	}
	if p, ok := m.objectPrefix.GetOK(); ok && n.Path != p && !strings.HasPrefix(n.Path, p+"/") {
		return false
	}
	if i, ok := m.iface.GetOK(); ok && n.Interface != i {
		return false
	}
	if mb, ok := m.member.GetOK(); ok && n.Name != mb {
		return false
	}
	if s, ok := m.session.GetOK(); ok && n.Session != s {
		return false
	}
	return true
}
