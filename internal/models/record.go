// Package models defines the knowledge objects exchanged by nodes.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/koinet-node/internal/checksum"
	"github.com/starford/koinet-node/internal/rid"
)

var sha256Re = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Manifest describes one version of a record.
type Manifest struct {
	RID        rid.RID   `json:"rid"`
	Timestamp  time.Time `json:"timestamp"`
	SHA256Hash string    `json:"sha256_hash"`
}

// Validate checks that the manifest carries an identifier, a digest and a timestamp.
func (m Manifest) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.RID, validation.Required),
		validation.Field(&m.Timestamp, validation.Required),
		validation.Field(&m.SHA256Hash, validation.Required, validation.Match(sha256Re)),
	)
}

// Bundle is a manifest plus the full record contents.
type Bundle struct {
	Manifest Manifest       `json:"manifest"`
	Contents map[string]any `json:"contents"`
}

// RID returns the identifier of the bundled record.
func (b *Bundle) RID() rid.RID { return b.Manifest.RID }

// GenerateBundle hashes contents and stamps the manifest with ts.
func GenerateBundle(r rid.RID, contents map[string]any, ts time.Time) (*Bundle, error) {
	if contents == nil {
		contents = map[string]any{}
	}
	hash, err := checksum.Contents(contents)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		Manifest: Manifest{RID: r, Timestamp: ts.UTC(), SHA256Hash: hash},
		Contents: contents,
	}, nil
}

// Decode unmarshals the bundle contents into target.
func (b *Bundle) Decode(target any) error {
	data, err := json.Marshal(b.Contents)
	if err != nil {
		return fmt.Errorf("models: encode contents: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("models: decode contents of %s: %w", b.RID(), err)
	}
	return nil
}

// ToContents converts a typed value to a contents mapping via its JSON form.
func ToContents(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("models: encode: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("models: decode: %w", err)
	}
	return out, nil
}
