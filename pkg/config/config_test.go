package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	fails bool
}

func (s *sample) Validate() error {
	if s.fails || s.Port < 0 {
		return errors.New("bad port")
	}
	return nil
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("KOI_TEST_NAME", "alpha")
	var s sample
	if err := Parse([]byte("name: ${KOI_TEST_NAME}\nport: 9\n"), &s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "alpha" || s.Port != 9 {
		t.Errorf("got %+v", s)
	}
}

func TestParse_Validates(t *testing.T) {
	var s sample
	if err := Parse([]byte("port: -1\n"), &s); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	var s sample
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &s); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()

	s := sample{Name: "default", Port: 1}
	found, err := LoadOptional(filepath.Join(dir, "missing.yaml"), &s)
	if err != nil || found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if s.Name != "default" {
		t.Errorf("defaults overwritten: %+v", s)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("name: file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	found, err = LoadOptional(path, &s)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if s.Name != "file" || s.Port != 1 {
		t.Errorf("got %+v", s)
	}

	bad := sample{fails: true}
	if _, err := LoadOptional(filepath.Join(dir, "missing.yaml"), &bad); err == nil {
		t.Fatal("defaults should still be validated")
	}
}
