package model

import (
	"fmt"
	"time"
)

// Sequence number sentinels.
const (
	// UnassignedSeqNo marks an operation that has not been assigned a
	// sequence number yet.
	UnassignedSeqNo int64 = -1

	// NoOpsPerformed is the checkpoint value before any operation has
	// been processed.
	NoOpsPerformed int64 = -1

	// UnassignedPrimaryTerm marks an operation issued before primary
	// terms were known. Valid terms start at 1.
	UnassignedPrimaryTerm int64 = 0

	// MatchAnySeqNo disables the compare-and-swap sequence number check.
	MatchAnySeqNo int64 = -2

	// MatchAnyVersion matches any document version.
	MatchAnyVersion int64 = -3

	// NotFoundVersion is reported for documents that do not exist.
	NotFoundVersion int64 = -1
)

// Origin identifies the path an operation arrived on.
type Origin uint8

const (
	// OriginPrimary means the operation is executed for the first time
	// and a sequence number must be generated.
	OriginPrimary Origin = iota
	// OriginReplica means the sequence number was assigned upstream.
	OriginReplica
	// OriginPeerRecovery means the operation is replayed from a peer
	// during shard recovery.
	OriginPeerRecovery
	// OriginLocalTranslogRecovery means the operation is replayed from
	// the local translog after a restart.
	OriginLocalTranslogRecovery
)

// IsFromTranslog reports whether the operation is a replay of already
// accepted history rather than a fresh write.
func (o Origin) IsFromTranslog() bool {
	return o == OriginLocalTranslogRecovery
}

// IsRecovery reports whether the operation arrived on a recovery path.
func (o Origin) IsRecovery() bool {
	return o == OriginPeerRecovery || o == OriginLocalTranslogRecovery
}

func (o Origin) String() string {
	switch o {
	case OriginPrimary:
		return "primary"
	case OriginReplica:
		return "replica"
	case OriginPeerRecovery:
		return "peer_recovery"
	case OriginLocalTranslogRecovery:
		return "local_translog_recovery"
	default:
		return fmt.Sprintf("origin(%d)", o)
	}
}

// VersionType controls how an operation's version is matched against the
// currently visible version of the document.
type VersionType uint8

const (
	// VersionInternal lets the engine assign versions; a concrete version
	// in the request must match exactly.
	VersionInternal VersionType = iota
	// VersionExternal uses caller-supplied versions; the new version must
	// be strictly greater than the current one.
	VersionExternal
	// VersionExternalGTE is like VersionExternal but also accepts an
	// equal version.
	VersionExternalGTE
)

// IsConflict reports whether applying an operation with the given request
// version against the current version violates the version type contract.
func (vt VersionType) IsConflict(currentVersion, requestVersion int64) bool {
	switch vt {
	case VersionInternal:
		if requestVersion == MatchAnyVersion {
			return false
		}
		return currentVersion != requestVersion
	case VersionExternal:
		if currentVersion == NotFoundVersion {
			return false
		}
		return requestVersion <= currentVersion
	case VersionExternalGTE:
		if currentVersion == NotFoundVersion {
			return false
		}
		return requestVersion < currentVersion
	default:
		return true
	}
}

// UpdatedVersion computes the version the document carries after the
// operation is applied.
func (vt VersionType) UpdatedVersion(currentVersion, requestVersion int64) int64 {
	switch vt {
	case VersionExternal, VersionExternalGTE:
		return requestVersion
	default:
		if currentVersion == NotFoundVersion {
			return 1
		}
		return currentVersion + 1
	}
}

func (vt VersionType) String() string {
	switch vt {
	case VersionInternal:
		return "internal"
	case VersionExternal:
		return "external"
	case VersionExternalGTE:
		return "external_gte"
	default:
		return fmt.Sprintf("version_type(%d)", vt)
	}
}

// Kind is the operation variant tag.
type Kind uint8

const (
	KindIndex Kind = iota + 1
	KindDelete
	KindNoOp
)

func (k Kind) String() string {
	switch k {
	case KindIndex:
		return "index"
	case KindDelete:
		return "delete"
	case KindNoOp:
		return "noop"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Document is a pre-parsed document payload. Parsing raw documents is the
// mapping layer's job; the engine only moves the bytes and the routing.
type Document struct {
	// ID is the document identifier.
	ID string
	// Routing is the optional custom routing value.
	Routing string
	// Source is the serialized document body.
	Source []byte
}

// Operation is a single-document write request. The header fields are
// shared across variants; exactly one of the variant payloads is set,
// selected by Kind.
//
// Once an operation has been assigned a sequence number that number
// never changes.
type Operation struct {
	Kind Kind

	// ID is the target document id. Empty only for NoOp.
	ID string
	// SeqNo is UnassignedSeqNo on the primary path until the engine
	// assigns one; replica and recovery operations carry it in.
	SeqNo int64
	// PrimaryTerm is the ownership generation the operation was issued
	// under.
	PrimaryTerm int64
	// Version and VersionType express the optimistic concurrency check.
	Version     int64
	VersionType VersionType
	// IfSeqNo/IfPrimaryTerm express the compare-and-swap precondition.
	// IfSeqNo is MatchAnySeqNo when no CAS is requested.
	IfSeqNo       int64
	IfPrimaryTerm int64
	Origin        Origin
	// StartTime is the wall-clock time the operation was accepted.
	StartTime time.Time

	// Index payload (Kind == KindIndex).
	Doc *Document
	// Autogenerated marks ids generated by the coordinating node; such
	// first-time writes may take the append-only fast path.
	Autogenerated bool
	// Retry marks a client/network level redelivery of an autogenerated
	// write. Retries must not take the append-only fast path.
	Retry bool

	// NoOp payload (Kind == KindNoOp).
	Reason string
}

// NewIndex returns an index operation for the primary path with internal
// versioning and no CAS precondition.
func NewIndex(doc *Document, primaryTerm int64) Operation {
	return Operation{
		Kind:          KindIndex,
		ID:            doc.ID,
		SeqNo:         UnassignedSeqNo,
		PrimaryTerm:   primaryTerm,
		Version:       MatchAnyVersion,
		VersionType:   VersionInternal,
		IfSeqNo:       MatchAnySeqNo,
		IfPrimaryTerm: 0,
		Origin:        OriginPrimary,
		StartTime:     time.Now(),
		Doc:           doc,
	}
}

// NewDelete returns a delete operation for the primary path.
func NewDelete(id string, primaryTerm int64) Operation {
	return Operation{
		Kind:          KindDelete,
		ID:            id,
		SeqNo:         UnassignedSeqNo,
		PrimaryTerm:   primaryTerm,
		Version:       MatchAnyVersion,
		VersionType:   VersionInternal,
		IfSeqNo:       MatchAnySeqNo,
		IfPrimaryTerm: 0,
		Origin:        OriginPrimary,
		StartTime:     time.Now(),
	}
}

// NewNoOp returns a gap-filling no-op carrying an already assigned
// sequence number.
func NewNoOp(seqNo, primaryTerm int64, origin Origin, reason string) Operation {
	return Operation{
		Kind:        KindNoOp,
		SeqNo:       seqNo,
		PrimaryTerm: primaryTerm,
		IfSeqNo:     MatchAnySeqNo,
		Origin:      origin,
		StartTime:   time.Now(),
		Reason:      reason,
	}
}

// HasCAS reports whether the operation carries a compare-and-swap
// precondition.
func (op *Operation) HasCAS() bool {
	return op.IfSeqNo != MatchAnySeqNo
}

// Validate checks structural invariants that hold regardless of engine
// state.
func (op *Operation) Validate() error {
	switch op.Kind {
	case KindIndex:
		if op.Doc == nil {
			return fmt.Errorf("index operation without document")
		}
		if op.ID == "" {
			return fmt.Errorf("index operation without id")
		}
	case KindDelete:
		if op.ID == "" {
			return fmt.Errorf("delete operation without id")
		}
	case KindNoOp:
		if op.SeqNo == UnassignedSeqNo {
			return fmt.Errorf("noop operation without sequence number")
		}
	default:
		return fmt.Errorf("unknown operation kind %d", op.Kind)
	}
	if op.Origin != OriginPrimary && op.SeqNo == UnassignedSeqNo {
		return fmt.Errorf("%s operation without sequence number", op.Origin)
	}
	if op.Origin == OriginPrimary && op.SeqNo != UnassignedSeqNo {
		return fmt.Errorf("primary operation with preassigned sequence number %d", op.SeqNo)
	}
	if op.HasCAS() && op.Kind == KindNoOp {
		return fmt.Errorf("noop operation with compare-and-swap precondition")
	}
	return nil
}
