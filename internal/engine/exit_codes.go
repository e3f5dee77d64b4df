package engine

// Status is the exit code of one treated operation. The numeric values are
// part of the external contract and must stay stable.
type Status int

const (
	StatusOK Status = iota
	StatusSourceAlreadyIngested
	StatusWrongPeriod
	StatusUndefinedEventLink
	StatusDuplicatedEventLinkRef
	StatusWrongValue
	StatusOddNumberOfCoordinates
	StatusWrongGeometry
	StatusResourcesPathNotAvailable
	StatusFileNotValid
)

var statusNames = map[Status]string{
	StatusOK:                        "OK",
	StatusSourceAlreadyIngested:     "SOURCE_ALREADY_INGESTED",
	StatusWrongPeriod:               "WRONG_PERIOD",
	StatusUndefinedEventLink:        "UNDEFINED_EVENT_LINK",
	StatusDuplicatedEventLinkRef:    "DUPLICATED_EVENT_LINK_REF",
	StatusWrongValue:                "WRONG_VALUE",
	StatusOddNumberOfCoordinates:    "ODD_NUMBER_OF_COORDINATES",
	StatusWrongGeometry:             "WRONG_GEOMETRY",
	StatusResourcesPathNotAvailable: "RESOURCES_PATH_NOT_AVAILABLE",
	StatusFileNotValid:              "FILE_NOT_VALID",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// ExitCodes maps symbolic status names to numeric codes for consumers that
// check results by name.
func ExitCodes() map[string]Status {
	codes := make(map[string]Status, len(statusNames))
	for status, name := range statusNames {
		codes[name] = status
	}
	return codes
}

// validationError is a structural validation failure local to one
// operation. It is converted to an OperationResult, never returned to the
// caller of TreatData.
type validationError struct {
	status  Status
	message string
}

func (e *validationError) Error() string {
	return e.message
}

func newValidationError(status Status, message string) *validationError {
	return &validationError{status: status, message: message}
}
