package handler

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/devrev/sitefs/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusAndCode(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
	}{
		{"invalid argument", errors.InvalidArgument("bad", nil), http.StatusBadRequest, ErrorCodeInvalidRequest},
		{"not found", errors.FileNotFound("a.txt"), http.StatusNotFound, ErrorCodeFileNotFound},
		{"no primary", errors.NoPrimary("a.txt"), http.StatusPreconditionFailed, ErrorCodeConfiguration},
		{"replica down", errors.ReplicaUnavailable("london"), http.StatusServiceUnavailable, ErrorCodeServiceDown},
		{"unreachable", errors.Unreachable("gone", nil), http.StatusServiceUnavailable, ErrorCodeUnreachable},
		{"quorum", errors.QuorumNotMet(1, 2), http.StatusServiceUnavailable, ErrorCodeQuorumNotMet},
		{"plain error", stderrors.New("boom"), http.StatusInternalServerError, ErrorCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, StatusCode(tt.err))
			assert.Equal(t, tt.wantCode, Code(tt.err))
		})
	}
	assert.Equal(t, http.StatusOK, StatusCode(nil))
}
