package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateHost_Security(t *testing.T) {
	tests := []struct {
		host        string
		expectError bool
	}{
		{"127.0.0.1", false},
		{"localhost", false},
		{"0.0.0.0", false},
		{"", false},
		{"localhost;rm -rf /", true},
		{"host&&whoami", true},
		{"host|cat", true},
		{"$(id)", true},
		{"`id`", true},
		{"host>out", true},
		{`host"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			err := validateHost(tt.host)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOutputDir_Security(t *testing.T) {
	tests := []struct {
		dir         string
		expectError bool
		errorText   string
	}{
		{".tav/web", false, ""},
		{"build/web", false, ""},
		{"./out", false, ""},
		{"", true, "required"},
		{"/tmp/web", true, "relative"},
		{"..", true, "traversal"},
		{"../web", true, "traversal"},
		{"web/../../etc", true, "traversal"},
	}

	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			err := validateOutputDir(tt.dir)
			if tt.expectError {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), tt.errorText)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePort_Security(t *testing.T) {
	assert.NoError(t, validatePort("server.port", 0))
	assert.NoError(t, validatePort("server.port", 65535))
	assert.Error(t, validatePort("server.port", -1))
	assert.Error(t, validatePort("server.port", 65536))
}
