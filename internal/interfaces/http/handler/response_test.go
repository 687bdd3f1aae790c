package handler

import "github.com/rostersync/backend/internal/interfaces/http/dto"

// envelope decodes a response body with a typed data field
type envelope[T any] struct {
	Success bool           `json:"success"`
	Data    T              `json:"data,omitempty"`
	Error   *dto.ErrorInfo `json:"error,omitempty"`
	Meta    *dto.Meta      `json:"meta,omitempty"`
}
