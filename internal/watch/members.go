package watch

import (
	"strings"
	"unicode/utf8"
)

type Member struct {
	ID        string
	FirstName string
	LastName  string
}

// DisplayName renders "First L.", L being the first character of the last name as
// written.
func (m Member) DisplayName() string {
	first := strings.TrimSpace(m.FirstName)
	last := strings.TrimSpace(m.LastName)
	if last == "" {
		return first
	}
	r, _ := utf8.DecodeRuneInString(last)
	initial := string(r) + "."
	if first == "" {
		return initial
	}
	return first + " " + initial
}

// MemberDirectory maps member ids to names. It is filled once per session.
type MemberDirectory struct {
	members map[string]Member
	loaded  bool
}

func NewMemberDirectory() *MemberDirectory {
	return &MemberDirectory{members: map[string]Member{}}
}

// Load fills the directory from a team document. Later calls are ignored.
func (d *MemberDirectory) Load(teamDoc any) int {
	if d.loaded {
		return len(d.members)
	}
	d.loaded = true
	m, _ := teamDoc.(map[string]any)
	list, _ := m["members"].([]any)
	for _, item := range list {
		raw, _ := item.(map[string]any)
		id, _ := raw["id"].(string)
		if id == "" {
			continue
		}
		first, _ := raw["firstName"].(string)
		last, _ := raw["lastName"].(string)
		d.members[id] = Member{ID: id, FirstName: first, LastName: last}
	}
	return len(d.members)
}

// Name returns the display name for id, or "" when unknown.
func (d *MemberDirectory) Name(id string) string {
	if d == nil {
		return ""
	}
	m, ok := d.members[id]
	if !ok {
		return ""
	}
	return m.DisplayName()
}
