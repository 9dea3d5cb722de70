package response

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ValidationErrorResponse converts validator errors into the standard
// envelope with one detail entry per failed field.
func ValidationErrorResponse(err error) Response {
	resp := Response{
		Status:     StatusError,
		StatusCode: http.StatusBadRequest,
		Error:      "Validation Error",
		Message:    "The request contains invalid data.",
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		for _, vErr := range validationErrs {
			resp.Details = append(resp.Details, map[string]string{
				"field":   vErr.Field(),
				"message": fmt.Sprintf("failed on the '%s' rule", vErr.Tag()),
			})
		}
	}

	return resp
}
