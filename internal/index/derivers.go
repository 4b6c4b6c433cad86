package index

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/starford/koinet-node/internal/apperr"
	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Entry is what a Deriver extracts from a bundle.
type Entry struct {
	Keys []Key
	Meta Metadata
}

// Deriver turns an accepted bundle into index keys and display metadata.
type Deriver interface {
	Derive(b *models.Bundle) (Entry, error)
}

// DeriverFunc adapts a plain function to Deriver.
type DeriverFunc func(b *models.Bundle) (Entry, error)

// Derive implements Deriver.
func (f DeriverFunc) Derive(b *models.Bundle) (Entry, error) { return f(b) }

// Derivers maps record types to their deriver.
type Derivers map[rid.Type]Deriver

// DefaultDerivers returns derivers for the built-in knowledge types.
func DefaultDerivers() Derivers {
	return Derivers{
		rid.GithubCommit: DeriverFunc(deriveCommit),
		rid.HackMDNote:   DeriverFunc(deriveHackMDNote),
		rid.VaultNote:    DeriverFunc(deriveVaultNote),
	}
}

// Restrict returns the subset of d whose type is listed in types.
// An empty list keeps everything.
func (d Derivers) Restrict(types []rid.Type) Derivers {
	if len(types) == 0 {
		return d
	}
	out := make(Derivers, len(types))
	for _, t := range types {
		if v, ok := d[t]; ok {
			out[t] = v
		}
	}
	return out
}

type commitContents struct {
	SHA         string `json:"sha"`
	Message     string `json:"message"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
	HTMLURL     string `json:"html_url"`
}

func deriveCommit(b *models.Bundle) (Entry, error) {
	var c commitContents
	if err := b.Decode(&c); err != nil {
		return Entry{}, err
	}
	if c.SHA == "" {
		return Entry{}, fmt.Errorf("commit without sha: %w", apperr.ErrValidationFailure)
	}

	keys := []Key{Raw(c.SHA)}
	for _, w := range strings.Fields(strings.ToLower(c.Message)) {
		if utf8.RuneCountInString(w) > 3 && isAlnum(w) {
			keys = append(keys, Term(w))
		}
	}

	title, _, _ := strings.Cut(c.Message, "\n")
	title = strings.TrimSpace(title)
	if title == "" {
		title = c.SHA
	}
	return Entry{
		Keys: keys,
		Meta: Metadata{Title: title, Tags: []string{}, LastChanged: b.Manifest.Timestamp},
	}, nil
}

type noteContents struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func deriveHackMDNote(b *models.Bundle) (Entry, error) {
	var n noteContents
	if err := b.Decode(&n); err != nil {
		return Entry{}, err
	}
	id := b.RID().Reference()
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = "Note " + id
	}
	keys := append([]Key{Raw(id)}, noteTerms(title, n.Tags)...)
	return Entry{
		Keys: keys,
		Meta: Metadata{Title: title, Tags: cleanTags(n.Tags), LastChanged: b.Manifest.Timestamp},
	}, nil
}

type vaultContents struct {
	Path  string   `json:"path"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func deriveVaultNote(b *models.Bundle) (Entry, error) {
	var n vaultContents
	if err := b.Decode(&n); err != nil {
		return Entry{}, err
	}
	path := n.Path
	if path == "" {
		path = b.RID().Reference()
	}
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = path
	}
	keys := append([]Key{Raw(path)}, noteTerms(title, n.Tags)...)
	return Entry{
		Keys: keys,
		Meta: Metadata{Title: title, Tags: cleanTags(n.Tags), LastChanged: b.Manifest.Timestamp},
	}, nil
}

// noteTerms indexes every tag whole plus title words longer than two runes.
func noteTerms(title string, tags []string) []Key {
	var keys []Key
	for _, tag := range cleanTags(tags) {
		keys = append(keys, Term(tag))
	}
	for _, w := range strings.Fields(strings.ToLower(title)) {
		if utf8.RuneCountInString(w) > 2 {
			keys = append(keys, Term(w))
		}
	}
	return keys
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
