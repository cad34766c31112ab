/*
Package types defines the core data structures shared across PureBoot
components.

This package contains the domain model for the provisioning control
plane: nodes and their lifecycle states, the append-only node event
record, workflows, clone sessions with their staging overlay, partition
operations, and disk scan reports. All other packages depend on types;
types depends on nothing but the standard library.

# Entity Relationships

	Node ──────┬──> NodeEvent (append-only history)
	           ├──> DiskReport (replaced on each scan)
	           ├──> PartitionOperation (per-node FIFO)
	           └──> CloneSession (as source or target)
	                     └──> StagingAllocation (staged mode only)

	Workflow ──> referenced by Node.WorkflowID

# Conventions

All entities are identified by UUID strings. State-like fields are
typed string enums so invalid values are caught at the boundary rather
than deep in a handler. Structs carry both JSON tags (wire format) and
GORM tags (persistence); collection-valued fields use the JSON
serializer so the relational schema stays flat.

Certificate material (CertBundle) is deliberately not a persisted
entity: session keys live in memory only and die with the session.
*/
package types
