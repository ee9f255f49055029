package task

// ErrorKind is the stable failure classification reported to clients. Values
// are part of the API and never change meaning.
type ErrorKind string

const (
	// KindCapability covers provider failures on any downstream call.
	KindCapability ErrorKind = "CAPABILITY"
	// KindValidation means every generated statement failed dry-run
	// validation within the correction budget.
	KindValidation ErrorKind = "VALIDATION"
	// KindTimeout covers deadline expiry on a downstream call.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindNoRelevantSQL means retrieval produced no schema to generate from.
	KindNoRelevantSQL ErrorKind = "NO_RELEVANT_SQL"
	// KindCanceled means the client asked for the task to stop.
	KindCanceled ErrorKind = "CANCELED"
)

// ErrorInfo is the failure detail attached to a FAILED snapshot.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
