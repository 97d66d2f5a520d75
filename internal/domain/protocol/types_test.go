package protocol

import "testing"

func TestNextLogIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NextLogID("out")
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate log id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestDedupTags(t *testing.T) {
	got := DedupTags([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestAddTagIdempotent(t *testing.T) {
	tags := []string{"a"}
	tags = AddTag(tags, "a")
	if len(tags) != 1 {
		t.Fatalf("expected no duplicate, got %v", tags)
	}
	tags = AddTag(tags, "b")
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", tags)
	}
}

func TestRemoveTag(t *testing.T) {
	tags := RemoveTag([]string{"a", "b", "c"}, "b")
	if len(tags) != 2 || tags[0] != "a" || tags[1] != "c" {
		t.Fatalf("unexpected result %v", tags)
	}
}

func TestGenerateSessionIDFormat(t *testing.T) {
	sid := GenerateSessionID("")
	if sid.ID == "" || sid.Name == "" {
		t.Fatalf("expected non-empty id/name, got %+v", sid)
	}
	sid2 := GenerateSessionID("myserver")
	if len(sid2.Name) < len("myserver-") {
		t.Fatalf("expected server-prefixed name, got %q", sid2.Name)
	}
}

func TestFromDirection(t *testing.T) {
	if FromDirection(In) != ToServer {
		t.Fatalf("expected ToServer for In")
	}
	if FromDirection(Out) != ToClient {
		t.Fatalf("expected ToClient for Out")
	}
}
