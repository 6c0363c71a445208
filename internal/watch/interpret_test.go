package watch

import (
	"encoding/json"
	"testing"

	"cellwatch/internal/sharedb"
)

func TestInterpret(t *testing.T) {
	members := NewMemberDirectory()
	members.Load(roundTrip(map[string]any{"members": []any{
		map[string]any{"id": "m1", "firstName": "Ada", "lastName": "Lovelace"},
	}}))
	known := func(id string) bool { return id == "a" || id == "b" || id == "c" || id == "child9" }

	tests := []struct {
		name    string
		doc     map[string]any
		op      string
		target  string
		summary string
		isNew   bool
	}{
		{
			name:    "child insert targets inserted id",
			doc:     map[string]any{"title": "Plans", "childIds": []any{"a"}},
			op:      `{"p":["childIds",1],"li":"n1"}`,
			target:  "n1",
			summary: "Added to cluster `Plans`",
			isNew:   true,
		},
		{
			name:    "child delete targets deleted id",
			doc:     map[string]any{"title": "Plans", "childIds": []any{"a", "b"}},
			op:      `{"p":["childIds",1],"ld":"b"}`,
			target:  "b",
			summary: "Removed from cluster `Plans`",
		},
		{
			name:    "child move targets id at destination",
			doc:     map[string]any{"title": "", "childIds": []any{"a", "b", "c"}},
			op:      `{"p":["childIds",0],"lm":2}`,
			target:  "a",
			summary: "Moved from position `0` to `2` in cluster `Untitled`",
		},
		{
			name:    "child move from 2 to 0 targets moved id",
			doc:     map[string]any{"title": "Plans", "childIds": []any{"child1", "child2", "child9"}},
			op:      `{"p":["childIds",2],"lm":0}`,
			target:  "child9",
			summary: "Moved from position `2` to `0` in cluster `Plans`",
		},
		{
			name:    "member insert names the member",
			doc:     map[string]any{"title": "Plans"},
			op:      `{"p":["memberIds",0],"li":"m1"}`,
			target:  "p",
			summary: "Added member Ada L.",
		},
		{
			name:    "unknown member is unnamed",
			doc:     map[string]any{"title": "Plans", "memberIds": []any{"zz"}},
			op:      `{"p":["memberIds",0],"ld":"zz"}`,
			target:  "p",
			summary: "Removed member",
		},
		{
			name:    "title",
			doc:     map[string]any{"title": "Plans"},
			op:      `{"p":["title",0],"si":"New "}`,
			target:  "p",
			summary: "Title changed",
		},
		{
			name:    "content",
			doc:     map[string]any{"updatedAt": "2026-01-01"},
			op:      `{"p":["updatedAt"],"od":"2026-01-01","oi":"2026-01-02"}`,
			target:  "p",
			summary: "Content changed",
		},
		{
			name:    "other field",
			doc:     map[string]any{"color": "red"},
			op:      `{"p":["color"],"od":"red","oi":"blue"}`,
			target:  "p",
			summary: "Changed `color`",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var comp sharedb.Component
			if err := json.Unmarshal([]byte(tt.op), &comp); err != nil {
				t.Fatal(err)
			}
			cache := NewNodeCache()
			cache.Put("p", roundTrip(tt.doc))
			owner, err := cache.Apply("p", comp)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}

			got := Interpret(owner, comp, members, known)
			if got.TargetID != tt.target || got.Summary != tt.summary || got.IsNewTarget != tt.isNew {
				t.Fatalf("got %+v, want target=%q summary=%q new=%v", got, tt.target, tt.summary, tt.isNew)
			}
		})
	}
}

func TestMemberDisplayName(t *testing.T) {
	tests := []struct {
		m    Member
		want string
	}{
		{Member{FirstName: "Ada", LastName: "Lovelace"}, "Ada L."},
		{Member{FirstName: "Ada"}, "Ada"},
		{Member{LastName: "östlund"}, "ö."},
		{Member{FirstName: "Jan", LastName: "van Dijk"}, "Jan v."},
		{Member{}, ""},
	}
	for _, tt := range tests {
		if got := tt.m.DisplayName(); got != tt.want {
			t.Fatalf("DisplayName(%+v) = %q, want %q", tt.m, got, tt.want)
		}
	}
}
