package minio

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
)

func TestStore_KeyMapping(t *testing.T) {
	tests := []struct {
		prefix string
		name   string
		key    string
	}{
		{"", "backups/LATEST", "backups/LATEST"},
		{"strata", "backups/LATEST", "strata/backups/LATEST"},
		{"strata/", "backups/a.json", "strata/backups/a.json"},
	}

	for _, tt := range tests {
		s := NewStore(nil, "bucket", tt.prefix)
		assert.Equal(t, tt.key, s.key(tt.name))
		assert.Equal(t, tt.name, s.name(tt.key))
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NotFound"}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("boom")))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("backups/x.json"))
	assert.Equal(t, "application/octet-stream", contentType("backups/x.lz4"))
}
