package api

import "net/http"

// RequestError is a status-carrying error for responses produced outside the
// normal handler flow, such as middleware rejections.
type RequestError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e RequestError) Error() string {
	return e.Message
}

// ValidationError builds a 400 RequestError with the provided message.
func ValidationError(message string) RequestError {
	return RequestError{Status: http.StatusBadRequest, Message: message}
}

// ServiceUnavailableError builds a 503 RequestError with the provided message.
func ServiceUnavailableError(message string) RequestError {
	return RequestError{Status: http.StatusServiceUnavailable, Message: message}
}

// WriteRequestError renders a RequestError as a JSON response.
func WriteRequestError(w http.ResponseWriter, err RequestError) {
	writeJSON(w, err.Status, err)
}
