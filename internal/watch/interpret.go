package watch

import (
	"fmt"

	"cellwatch/internal/sharedb"
)

const (
	fieldChildIDs  = "childIds"
	fieldMemberIDs = "memberIds"
	fieldTitle     = "title"
	fieldUpdatedAt = "updatedAt"
)

// Interpretation is what one op component means for the digest.
type Interpretation struct {
	TargetID    string
	Summary     string
	IsNewTarget bool
}

// Interpret classifies comp, already applied to owner, and resolves the node it affects.
// known reports whether an id is visited or in flight this session.
func Interpret(owner *Node, comp sharedb.Component, members *MemberDirectory, known func(id string) bool) Interpretation {
	field := comp.Field()
	target := resolveTarget(owner, comp, field)

	out := Interpretation{
		TargetID: target,
		Summary:  summarize(owner, comp, field, members),
	}
	if known != nil && target != owner.ID {
		out.IsNewTarget = !known(target)
	}
	return out
}

func resolveTarget(owner *Node, comp sharedb.Component, field string) string {
	if field != fieldChildIDs {
		return owner.ID
	}
	switch {
	case comp.IsListInsert():
		if id, ok := comp.InsertedString(); ok && id != "" {
			return id
		}
	case comp.IsListDelete():
		if id, ok := comp.DeletedString(); ok && id != "" {
			return id
		}
	case comp.IsListMove():
		// The op is already applied: the moved child sits at its destination.
		to := *comp.LM
		if to >= 0 && to < len(owner.ChildIDs) {
			return owner.ChildIDs[to]
		}
	}
	return owner.ID
}

func summarize(owner *Node, comp sharedb.Component, field string, members *MemberDirectory) string {
	switch field {
	case fieldChildIDs:
		parent := owner.DisplayTitle()
		switch {
		case comp.IsListInsert():
			return fmt.Sprintf("Added to cluster `%s`", parent)
		case comp.IsListDelete():
			return fmt.Sprintf("Removed from cluster `%s`", parent)
		case comp.IsListMove():
			from, _ := comp.Index(1)
			return fmt.Sprintf("Moved from position `%d` to `%d` in cluster `%s`", from, *comp.LM, parent)
		}
	case fieldMemberIDs:
		switch {
		case comp.IsListInsert():
			id, _ := comp.InsertedString()
			return withName("Added member", members.Name(id))
		case comp.IsListDelete():
			id, _ := comp.DeletedString()
			return withName("Removed member", members.Name(id))
		}
	case fieldTitle:
		return "Title changed"
	case fieldUpdatedAt:
		return "Content changed"
	}
	return fmt.Sprintf("Changed `%s`", field)
}

func withName(base, name string) string {
	if name == "" {
		return base
	}
	return base + " " + name
}
