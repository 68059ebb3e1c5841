// Package mdl implements a process-wide metadata lock manager: a
// serialization layer that protects schema objects (and a handful of
// scoped resources like the whole server or a single schema) from
// concurrent definition changes while statements are using them.
//
// The package mirrors the rest of MantisDB's core subsystems in keeping
// a flat, module-root package rather than nesting under internal/.
package mdl

// Namespace identifies which kind of object a Key names. GLOBAL sorts
// first and COMMIT is reserved for the replication commit-order
// namespace.
type Namespace uint8

const (
	Global Namespace = iota
	Tablespace
	Schema
	Table
	Function
	Procedure
	Trigger
	Event
	Commit
	UserLock
	LockingService

	namespaceEnd
)

func (n Namespace) String() string {
	switch n {
	case Global:
		return "GLOBAL"
	case Tablespace:
		return "TABLESPACE"
	case Schema:
		return "SCHEMA"
	case Table:
		return "TABLE"
	case Function:
		return "FUNCTION"
	case Procedure:
		return "PROCEDURE"
	case Trigger:
		return "TRIGGER"
	case Event:
		return "EVENT"
	case Commit:
		return "COMMIT"
	case UserLock:
		return "USER_LEVEL_LOCK"
	case LockingService:
		return "LOCKING_SERVICE"
	default:
		return "UNKNOWN"
	}
}

// family returns which of the two lock strategies (scoped vs. object)
// governs locks in this namespace.
func (n Namespace) family() family {
	switch n {
	case Global, Schema, Commit:
		return scopedFamily
	default:
		return objectFamily
	}
}

// IsValid reports whether n is one of the defined namespaces.
func (n Namespace) IsValid() bool {
	return n < namespaceEnd
}
