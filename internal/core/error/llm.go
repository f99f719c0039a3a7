package errx

import (
	"errors"
	"net/http"

	"google.golang.org/genai"
)

// WrapLLM maps a model provider error to AppError.
func WrapLLM(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		return New(err, http.StatusServiceUnavailable, LLMErrorMessage)
	}
	return New(err, http.StatusBadGateway, LLMErrorMessage)
}

func isTransientLLM(err error) bool {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
