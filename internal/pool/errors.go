package pool

import "fmt"

// Error is the structured failure type surfaced by selection and dispatch.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusCode implements the statusCoder contract used by the dispatcher.
func (e *Error) StatusCode() int { return e.HTTPStatus }

// ErrPoolExhausted is returned when no account satisfies eligibility for the
// requested model. Callers surface it as a retryable 503.
func ErrPoolExhausted(model string) *Error {
	return &Error{
		Code:       "pool_exhausted",
		Message:    "no available accounts for model " + model,
		HTTPStatus: 503,
	}
}
