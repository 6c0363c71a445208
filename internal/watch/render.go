package watch

import (
	"net/url"
	"strings"
)

// LinkBuilder renders deep links as {Base}/{Team}/{Workspace}/{id}.
type LinkBuilder struct {
	Base      string
	Team      string
	Workspace string
}

func (b LinkBuilder) URL(id string) string {
	ws := b.Workspace
	if ws == "" {
		ws = "General"
	}
	return strings.TrimRight(b.Base, "/") + "/" + url.PathEscape(b.Team) + "/" + url.PathEscape(ws) + "/" + id
}

// Digest is one rendered notification.
type Digest struct {
	TargetID  string
	Kind      Kind
	Title     string
	Created   bool
	Summaries []string
	Link      string
	Text      string
}

// RenderDigest builds the digest for a flushed entry. p.Summaries must already be deduplicated.
//
//	Item created:
//	`Roadmap`
//	- Added to cluster `Plans`
//	<https://app.nuclino.com/Acme/General/abc>
func RenderDigest(n *Node, p Pending, links LinkBuilder) Digest {
	d := Digest{
		TargetID:  p.TargetID,
		Kind:      n.Kind,
		Title:     n.DisplayTitle(),
		Created:   p.IsNewTarget,
		Summaries: p.Summaries,
		Link:      links.URL(p.TargetID),
	}

	verb := "updated"
	if d.Created {
		verb = "created"
	}
	var b strings.Builder
	b.WriteString(d.Kind.String())
	b.WriteString(" ")
	b.WriteString(verb)
	b.WriteString(":\n`")
	b.WriteString(d.Title)
	b.WriteString("`")
	for _, s := range d.Summaries {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	b.WriteString("\n<")
	b.WriteString(d.Link)
	b.WriteString(">")
	d.Text = b.String()
	return d
}
