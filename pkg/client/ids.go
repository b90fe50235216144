package client

import (
	"github.com/google/uuid"
)

var (
	// ServiceNamespace is the name-based UUID namespace for service node ids.
	ServiceNamespace = uuid.MustParse("50e1147a-2643-4b97-a0bd-be87f84851c3")
	// ExternalNamespace is the name-based UUID namespace for external endpoints such as hosts
	// that are called but not instrumented.
	ExternalNamespace = uuid.MustParse("8f211529-1b79-4d02-9b34-44bbffdc54fa")
)

// ServiceNodeID is the deterministic id of the service with the given name. Every instance of a
// service derives the same id.
func ServiceNodeID(name string) uuid.UUID {
	return uuid.NewSHA1(ServiceNamespace, []byte(name))
}

// TransactionNodeID is the deterministic id of a transaction, scoped to its owning service.
func TransactionNodeID(serviceID uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(serviceID, []byte(name))
}

func ExternalNodeID(name string) uuid.UUID {
	return uuid.NewSHA1(ExternalNamespace, []byte(name))
}

// ResolveNodeID returns the id in existing if it parses, or a fresh random id.
func ResolveNodeID(existing string) uuid.UUID {
	if id, err := uuid.Parse(existing); err == nil {
		return id
	}
	return uuid.New()
}
