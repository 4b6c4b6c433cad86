// Package parser turns Markdown vault files into orn:vault.note contents.
package parser

import (
	"bytes"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
	fenceRe    = regexp.MustCompile("(?ms)^```.*?^```[^\n]*$")
)

// Note is a parsed vault file.
type Note struct {
	Path        string         `json:"path"`
	Title       string         `json:"title"`
	Tags        []string       `json:"tags"`
	Links       []string       `json:"links"`
	Body        string         `json:"body"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
}

// Contents returns the note as a record contents mapping.
func (n *Note) Contents() map[string]any {
	tags := make([]any, len(n.Tags))
	for i, t := range n.Tags {
		tags[i] = t
	}
	links := make([]any, len(n.Links))
	for i, l := range n.Links {
		links[i] = l
	}
	out := map[string]any{
		"path":  n.Path,
		"title": n.Title,
		"tags":  tags,
		"links": links,
		"body":  n.Body,
	}
	if len(n.Frontmatter) > 0 {
		out["frontmatter"] = n.Frontmatter
	}
	return out
}

// Parse extracts frontmatter, title, tags and wikilinks from the file at
// the vault-relative path p.
func Parse(p string, data []byte) (*Note, error) {
	fm, body := splitFrontmatter(data)
	prose := fenceRe.ReplaceAllString(body, "")

	return &Note{
		Path:        p,
		Title:       deriveTitle(p, fm, body),
		Tags:        extractTags(prose, fm),
		Links:       extractLinks(prose),
		Body:        body,
		Frontmatter: fm,
	}, nil
}

// splitFrontmatter separates YAML frontmatter between leading --- lines
// from the body. Missing or invalid frontmatter leaves the whole input as body.
func splitFrontmatter(data []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}

	var fm map[string]any
	if err := yaml.Unmarshal(rest[:idx], &fm); err != nil {
		return nil, string(data)
	}
	body := strings.TrimLeft(string(rest[idx+1+len(delim):]), "\n\r")
	return fm, body
}

// extractLinks returns deduplicated wikilink targets. [[Target|Alias]] yields Target.
func extractLinks(body string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, m := range wikilinkRe.FindAllStringSubmatch(body, -1) {
		target, _, _ := strings.Cut(m[1], "|")
		target, _, _ = strings.Cut(target, "#")
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// extractTags collects frontmatter tags (list or comma-separated string)
// followed by inline #tags, without duplicates.
func extractTags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	out := []string{}
	add := func(s string) {
		s = strings.TrimPrefix(strings.TrimSpace(s), "#")
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	switch v := fm["tags"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case string:
		for _, s := range strings.Split(v, ",") {
			add(s)
		}
	}

	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// deriveTitle prefers frontmatter "title", then the first H1, then the file name.
func deriveTitle(p string, fm map[string]any, body string) string {
	if s, ok := fm["title"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return strings.TrimSuffix(path.Base(p), path.Ext(p))
}
