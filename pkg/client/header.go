package client

import (
	"strings"

	"github.com/google/uuid"
)

// GraphContextHeader carries the caller's node ids across service boundaries.
const GraphContextHeader = "servicegraph-context"

const (
	serviceNodeKey     = "service-node"
	transactionNodeKey = "transaction-node"
)

// GraphContext identifies the service, and optionally the transaction, that made a call.
type GraphContext struct {
	ServiceNode     *uuid.UUID
	TransactionNode *uuid.UUID
}

// String renders the context in header form, or "" when no service node is set.
func (g GraphContext) String() string {
	if g.ServiceNode == nil {
		return ""
	}
	s := serviceNodeKey + "=" + g.ServiceNode.String()
	if g.TransactionNode != nil {
		s += " " + transactionNodeKey + "=" + g.TransactionNode.String()
	}
	return s
}

// ParseGraphContextHeader parses space separated key=value pairs. Unknown keys, pieces without
// '=', and values that are not UUIDs are ignored. UUIDs may be written without hyphens.
func ParseGraphContextHeader(header string) GraphContext {
	var g GraphContext
	for _, piece := range strings.Fields(header) {
		key, value, ok := strings.Cut(piece, "=")
		if !ok {
			continue
		}
		id, err := uuid.Parse(value)
		if err != nil {
			continue
		}
		switch key {
		case serviceNodeKey:
			g.ServiceNode = &id
		case transactionNodeKey:
			g.TransactionNode = &id
		}
	}
	return g
}
