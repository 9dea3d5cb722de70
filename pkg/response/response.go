package response

import "net/http"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var EmptyRequestBodyResponse = Response{
	Status:     StatusError,
	StatusCode: http.StatusBadRequest,
	Error:      "Empty Request Body",
	Message:    "Request body is empty. Please provide necessary data.",
}

var BadRequestResponse = Response{
	Status:     StatusError,
	StatusCode: http.StatusBadRequest,
	Error:      "Bad Request",
	Message:    "The request body is malformed or contains invalid data.",
}

var ResourceNotFoundResponse = Response{
	Status:     StatusError,
	StatusCode: http.StatusNotFound,
	Error:      "Resource Not Found",
	Message:    "The requested resource was not found.",
}

var ServerErrorResponse = Response{
	Status:     StatusError,
	StatusCode: http.StatusInternalServerError,
	Error:      "Server Error",
	Message:    "An internal server error occurred. Please try again later.",
}

// Response is the JSON envelope used by every non-redirect endpoint.
// RetryAfterSeconds and Load are populated on admission rejections so
// clients get a machine-readable retry hint and current load figures.
type Response struct {
	Status            string `json:"status"`
	StatusCode        int    `json:"status_code"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Load              any    `json:"load,omitempty"`
	Details           []any  `json:"details,omitempty"`
	Data              any    `json:"data,omitempty"`
}

func SuccessResponse(statusCode int, msg string, data ...any) Response {
	resp := Response{
		Status:     StatusSuccess,
		StatusCode: statusCode,
		Message:    msg,
	}

	if len(data) > 0 {
		resp.Data = data[0]
	}

	return resp
}

// RejectionResponse builds the envelope for an admission or rate-limit
// rejection, carrying the retry hint and the load figures observed at the
// moment of rejection.
func RejectionResponse(statusCode int, errTitle, msg string, retryAfterSeconds int, load any) Response {
	return Response{
		Status:            StatusError,
		StatusCode:        statusCode,
		Error:             errTitle,
		Message:           msg,
		RetryAfterSeconds: retryAfterSeconds,
		Load:              load,
	}
}
