package model

// ResultType classifies the outcome of applying an operation.
type ResultType uint8

const (
	// ResultSuccess means the operation was applied.
	ResultSuccess ResultType = iota
	// ResultFailure means the operation failed without harming engine
	// state (version conflict or per-document failure).
	ResultFailure
	// ResultMappingUpdateRequired means the document carries fields the
	// mapping does not know yet; the caller must update the mapping and
	// retry.
	ResultMappingUpdateRequired
)

func (rt ResultType) String() string {
	switch rt {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultMappingUpdateRequired:
		return "mapping_update_required"
	default:
		return "unknown"
	}
}

// Location points at a record inside the translog.
type Location struct {
	Generation int64
	Offset     int64
	Size       int64
}

// Compare orders locations by generation, then offset. The zero Location
// sorts before everything.
func (l Location) Compare(other Location) int {
	if l.Generation != other.Generation {
		if l.Generation < other.Generation {
			return -1
		}
		return 1
	}
	if l.Offset != other.Offset {
		if l.Offset < other.Offset {
			return -1
		}
		return 1
	}
	return 0
}

// OperationResult is the outcome of applying an [Operation].
//
// Conflict and per-document failures are carried here as values; they are
// never propagated as engine faults.
type OperationResult struct {
	Type        ResultType
	SeqNo       int64
	PrimaryTerm int64
	Version     int64

	// Created is set for successful index operations that created the
	// document rather than updating it.
	Created bool
	// Found is set for delete operations that found a live document.
	Found bool

	// Location of the translog record, when one was written.
	Location Location

	// Err classifies the failure for ResultFailure results.
	Err error
}

// IndexSuccess builds a successful index result.
func IndexSuccess(seqNo, term, version int64, created bool) OperationResult {
	return OperationResult{
		Type:        ResultSuccess,
		SeqNo:       seqNo,
		PrimaryTerm: term,
		Version:     version,
		Created:     created,
	}
}

// DeleteSuccess builds a successful delete result.
func DeleteSuccess(seqNo, term, version int64, found bool) OperationResult {
	return OperationResult{
		Type:        ResultSuccess,
		SeqNo:       seqNo,
		PrimaryTerm: term,
		Version:     version,
		Found:       found,
	}
}

// Failure builds a failed result. seqNo may be UnassignedSeqNo when the
// failure happened before a number was consumed.
func Failure(err error, seqNo, term int64) OperationResult {
	return OperationResult{
		Type:        ResultFailure,
		SeqNo:       seqNo,
		PrimaryTerm: term,
		Version:     NotFoundVersion,
		Err:         err,
	}
}
