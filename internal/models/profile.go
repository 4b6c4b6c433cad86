package models

import (
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/koinet-node/internal/rid"
)

// NodeType declares whether a node serves the protocol over HTTP.
type NodeType string

// Node types.
const (
	NodeTypeFull    NodeType = "FULL"
	NodeTypePartial NodeType = "PARTIAL"
)

var baseURLRe = regexp.MustCompile(`^https?://\S+$`)

// NodeProvides lists the record types a node pushes (event) or serves on request (state).
type NodeProvides struct {
	Event []rid.Type `json:"event" yaml:"event"`
	State []rid.Type `json:"state" yaml:"state"`
}

// Has reports whether t is provided as either event or state.
func (p NodeProvides) Has(t rid.Type) bool {
	return rid.Contains(p.Event, t) || rid.Contains(p.State, t)
}

// NodeProfile is the contents of an orn:koi-net.node record.
type NodeProfile struct {
	BaseURL  string       `json:"base_url,omitempty"`
	NodeType NodeType     `json:"node_type"`
	Provides NodeProvides `json:"provides"`
}

// Validate checks the profile schema. FULL nodes must advertise a base URL.
func (p NodeProfile) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.NodeType, validation.Required, validation.In(NodeTypeFull, NodeTypePartial)),
		validation.Field(&p.BaseURL,
			validation.When(p.NodeType == NodeTypeFull, validation.Required),
			validation.Match(baseURLRe)),
	)
}

// IsDirectory reports whether the node announces other nodes, which makes
// it a potential coordinator.
func (p NodeProfile) IsDirectory() bool {
	return rid.Contains(p.Provides.Event, rid.KoiNetNode)
}
