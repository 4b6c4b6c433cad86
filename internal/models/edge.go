package models

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/koinet-node/internal/checksum"
	"github.com/starford/koinet-node/internal/rid"
)

// EdgeType selects how the source delivers events to the target.
type EdgeType string

// Edge types.
const (
	EdgeWebhook EdgeType = "WEBHOOK"
	EdgePoll    EdgeType = "POLL"
)

// EdgeStatus tracks negotiation of an edge.
type EdgeStatus string

// Edge statuses.
const (
	EdgeProposed EdgeStatus = "PROPOSED"
	EdgeApproved EdgeStatus = "APPROVED"
)

// Edge is the contents of an orn:koi-net.edge record: source will deliver
// RIDTypes to target.
type Edge struct {
	Source   rid.RID    `json:"source"`
	Target   rid.RID    `json:"target"`
	EdgeType EdgeType   `json:"edge_type"`
	Status   EdgeStatus `json:"status"`
	RIDTypes []rid.Type `json:"rid_types"`
}

// Validate checks the edge schema.
func (e Edge) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Source, validation.Required),
		validation.Field(&e.Target, validation.Required),
		validation.Field(&e.EdgeType, validation.Required, validation.In(EdgeWebhook, EdgePoll)),
		validation.Field(&e.Status, validation.Required, validation.In(EdgeProposed, EdgeApproved)),
		validation.Field(&e.RIDTypes, validation.Required),
	)
}

// EdgeRID derives the identifier of the edge between source and target.
// The same pair always maps to the same RID, so repeated proposals collapse
// onto one record.
func EdgeRID(source, target rid.RID) rid.RID {
	return rid.New(rid.KoiNetEdge, checksum.Sum([]byte(source.String()+"|"+target.String())))
}
