package sensor

// Error codes carried by ErrorReceived. The values match the codes reported by
// common platform fingerprint services so they can be passed through unchanged.
const (
	ErrorHardwareUnavailable = 1
	ErrorUnableToProcess     = 2
	ErrorTimeout             = 3
	ErrorNoSpace             = 4
	ErrorCanceled            = 5
	ErrorLockout             = 7
	ErrorVendor              = 8
	ErrorLockoutPermanent    = 9
	ErrorUserCanceled        = 10
)

// Help codes carried by HelpReceived.
const (
	HelpPartial      = 1
	HelpInsufficient = 2
	HelpImagerDirty  = 3
	HelpTooSlow      = 4
	HelpTooFast      = 5
)

// Event is a terminal notification from a Matcher.
type Event interface {
	event()
}

// Succeeded reports a biometric match. Object is the CryptoObject passed to
// Authenticate, now authorised for use.
type Succeeded struct {
	Object CryptoObject
}

// HelpReceived reports a recoverable acquisition problem such as a dirty
// sensor or a finger moved too fast.
type HelpReceived struct {
	Code    int
	Message string
}

// Failed reports a readable biometric that did not match an enrolled template.
type Failed struct{}

// ErrorReceived reports an unrecoverable error: timeout, lockout, hardware
// failure or cancellation.
type ErrorReceived struct {
	Code    int
	Message string
}

func (Succeeded) event()     {}
func (HelpReceived) event()  {}
func (Failed) event()        {}
func (ErrorReceived) event() {}

// canceledEvent is emitted by the bundled matchers when their context ends.
func canceledEvent() ErrorReceived {
	return ErrorReceived{Code: ErrorCanceled, Message: "Fingerprint operation canceled."}
}
