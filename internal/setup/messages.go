// Package setup implements the device onboarding wizard as an explicit
// state machine. The host drives it with structured requests and renders
// the structured responses; no I/O happens outside Handle calls.
package setup

// Step is the wizard's current state.
type Step int

const (
	StepInit Step = iota
	StepConfigurationMode
	StepDiscover
	StepDeviceChoice
)

func (s Step) String() string {
	switch s {
	case StepInit:
		return "INIT"
	case StepConfigurationMode:
		return "CONFIGURATION_MODE"
	case StepDiscover:
		return "DISCOVER"
	case StepDeviceChoice:
		return "DEVICE_CHOICE"
	}
	return "UNKNOWN"
}

// Request kinds the host sends.
type (
	// StartRequest (re)starts the wizard. Reconfigure enters the
	// configuration menu instead of wiping the device list.
	StartRequest struct {
		Reconfigure bool `json:"reconfigure"`
	}

	// UserDataRequest answers the previous RequestInput.
	UserDataRequest struct {
		Fields map[string]string `json:"fields"`
	}

	// ConfirmationRequest answers the previous RequestConfirmation.
	ConfirmationRequest struct{}

	// AbortRequest cancels the wizard.
	AbortRequest struct {
		Reason string `json:"reason,omitempty"`
	}
)

// Response kinds the wizard produces.
type Response interface {
	isResponse()
}

// Field is one input element in a RequestInput form.
type Field struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Type    string   `json:"type"` // "text", "checkbox", "select"
	Value   string   `json:"value,omitempty"`
	Options []Option `json:"options,omitempty"`
}

// Option is one choice of a select field.
type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// RequestInput asks the host to collect field values from the user.
type RequestInput struct {
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// RequestConfirmation asks the host for a yes/no style acknowledgement.
type RequestConfirmation struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Complete reports successful termination of the flow.
type Complete struct{}

// SetupError reports a terminal or per-request failure.
type SetupError struct {
	Kind ErrorKind `json:"kind"`
}

func (RequestInput) isResponse()        {}
func (RequestConfirmation) isResponse() {}
func (Complete) isResponse()            {}
func (SetupError) isResponse()          {}

// ErrorKind classifies a SetupError.
type ErrorKind string

const (
	KindConnectionRefused ErrorKind = "connection_refused"
	KindNotFound          ErrorKind = "not_found"
	KindOperationFailed   ErrorKind = "operation_failed"
)

// Field and action identifiers used in the wizard forms.
const (
	fieldAction  = "action"
	fieldDevice  = "device"
	fieldAddress = "address"

	actionAdd    = "add"
	actionRemove = "remove"
	actionReset  = "reset"
)
