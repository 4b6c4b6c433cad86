package models

import (
	"errors"
	"testing"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/koinet-node/internal/rid"
)

func TestManifestValidate(t *testing.T) {
	b, err := GenerateBundle(rid.New(rid.HackMDNote, "n1"), map[string]any{"title": "x"}, time.Now())
	if err != nil {
		t.Fatalf("GenerateBundle: %v", err)
	}
	if err := b.Manifest.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	missingHash := b.Manifest
	missingHash.SHA256Hash = ""
	if err := missingHash.Validate(); err == nil {
		t.Error("manifest without hash should fail")
	}

	missingTS := b.Manifest
	missingTS.Timestamp = time.Time{}
	err = missingTS.Validate()
	var verrs validation.Errors
	if !errors.As(err, &verrs) || verrs["timestamp"] == nil {
		t.Errorf("expected timestamp error, got %v", err)
	}
}

func TestNodeProfileValidate(t *testing.T) {
	full := NodeProfile{NodeType: NodeTypeFull, BaseURL: "http://127.0.0.1:8080/koi-net"}
	if err := full.Validate(); err != nil {
		t.Errorf("full profile: %v", err)
	}
	if err := (NodeProfile{NodeType: NodeTypeFull}).Validate(); err == nil {
		t.Error("full profile without base_url should fail")
	}
	if err := (NodeProfile{NodeType: NodeTypePartial}).Validate(); err != nil {
		t.Errorf("partial profile without base_url: %v", err)
	}
	if err := (NodeProfile{NodeType: "ROUTER"}).Validate(); err == nil {
		t.Error("unknown node type should fail")
	}
}

func TestNodeProfileIsDirectory(t *testing.T) {
	p := NodeProfile{Provides: NodeProvides{Event: []rid.Type{rid.KoiNetNode, rid.KoiNetEdge}}}
	if !p.IsDirectory() {
		t.Error("node providing node events is a directory")
	}
	p = NodeProfile{Provides: NodeProvides{State: []rid.Type{rid.KoiNetNode}}}
	if p.IsDirectory() {
		t.Error("state-only provider is not a directory")
	}
}

func TestBundleDecodeRoundTrip(t *testing.T) {
	want := NodeProfile{NodeType: NodeTypePartial, Provides: NodeProvides{Event: []rid.Type{rid.HackMDNote}}}
	contents, err := ToContents(want)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateBundle(rid.New(rid.KoiNetNode, "sensor"), contents, time.Now())
	var got NodeProfile
	if err := b.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.NodeType != want.NodeType || !got.Provides.Has(rid.HackMDNote) {
		t.Errorf("decoded = %+v", got)
	}
}

func TestEdgeRIDDeterministic(t *testing.T) {
	a := rid.New(rid.KoiNetNode, "a")
	b := rid.New(rid.KoiNetNode, "b")
	if EdgeRID(a, b) != EdgeRID(a, b) {
		t.Error("edge rid should be deterministic")
	}
	if EdgeRID(a, b) == EdgeRID(b, a) {
		t.Error("edge rid should be directional")
	}
	if EdgeRID(a, b).Type() != rid.KoiNetEdge {
		t.Error("edge rid has wrong type")
	}
}

func TestEventBundle(t *testing.T) {
	b, _ := GenerateBundle(rid.New(rid.VaultNote, "a.md"), map[string]any{"title": "A"}, time.Now())
	ev := EventFromBundle(EventNew, b)
	if ev.Bundle() == nil {
		t.Fatal("event with manifest and contents should yield a bundle")
	}
	ev.Contents = nil
	if ev.Bundle() != nil {
		t.Error("manifest-only event should not yield a bundle")
	}
}
