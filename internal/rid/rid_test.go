package rid

import "testing"

func TestParse_Valid(t *testing.T) {
	r, err := Parse("orn:hackmd.note:abc123")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Type() != HackMDNote {
		t.Errorf("type = %q, want %q", r.Type(), HackMDNote)
	}
	if r.Reference() != "abc123" {
		t.Errorf("reference = %q", r.Reference())
	}
}

func TestParse_ReferenceMayContainColons(t *testing.T) {
	r, err := Parse("orn:github.commit:owner/repo:deadbeef")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Reference() != "owner/repo:deadbeef" {
		t.Errorf("reference = %q", r.Reference())
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "orn", "orn:x", "urn:x:y", "orn::y", "orn:x:"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestNew(t *testing.T) {
	r := New(VaultNote, "topics/go.md")
	if r != "orn:vault.note:topics/go.md" {
		t.Errorf("rid = %q", r)
	}
	if !Contains([]Type{KoiNetNode, VaultNote}, r.Type()) {
		t.Error("Contains should find vault note type")
	}
}
