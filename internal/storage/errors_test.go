package storage

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestWrapS3Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"api not found", &smithy.GenericAPIError{Code: "NotFound"}, ErrNotFound},
		{"api no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, ErrNotFound},
		{"api denied", &smithy.GenericAPIError{Code: "AccessDenied"}, ErrAccessDenied},
		{"typed not found", &types.NotFound{}, ErrNotFound},
		{"other", errors.New("boom"), ErrUploadFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, wrapS3Error(tt.err, ErrUploadFailed), tt.want)
		})
	}
}
