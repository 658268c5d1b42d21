package protectfs

import (
	"errors"
	"testing"
)

func TestParseOpenMode(t *testing.T) {
	tests := []struct {
		mode     string
		ok       bool
		read     bool
		write    bool
		readOnly bool
		truncate bool
		create   bool
	}{
		{"r", true, true, false, true, false, false},
		{"rb", true, true, false, true, false, false},
		{"r+", true, true, true, false, false, false},
		{"r+b", true, true, true, false, false, false},
		{"rb+", true, true, true, false, false, false},
		{"w", true, false, true, false, true, true},
		{"w+", true, true, true, false, true, true},
		{"wb+", true, true, true, false, true, true},
		{"a", true, false, true, false, false, true},
		{"a+", true, true, true, false, false, true},
		{"", false, false, false, false, false, false},
		{"x", false, false, false, false, false, false},
		{"rw", false, false, false, false, false, false},
		{"r++", false, false, false, false, false, false},
		{"rbb", false, false, false, false, false, false},
		{"w+bx", false, false, false, false, false, false},
	}
	for _, tt := range tests {
		m, err := parseOpenMode(tt.mode)
		if tt.ok != (err == nil) {
			t.Errorf("parseOpenMode(%q) error = %v, want ok=%v", tt.mode, err, tt.ok)
			continue
		}
		if !tt.ok {
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("parseOpenMode(%q) error kind = %v", tt.mode, err)
			}
			continue
		}
		if m.canRead() != tt.read || m.canWrite() != tt.write ||
			m.readOnly() != tt.readOnly || m.truncate() != tt.truncate || m.create() != tt.create {
			t.Errorf("parseOpenMode(%q) = %+v", tt.mode, m)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	var nilConfig *Config
	if err := nilConfig.Validate(); err != nil {
		t.Errorf("nil config must validate: %v", err)
	}
	if err := (&Config{CacheSize: 4}).Validate(); err == nil {
		t.Error("tiny cache size must be rejected")
	}
	if err := (&Config{CacheSize: DefaultCacheSize}).Validate(); err != nil {
		t.Errorf("default cache size rejected: %v", err)
	}
	if got := nilConfig.cacheSize(); got != DefaultCacheSize {
		t.Errorf("defaulted cache size = %d", got)
	}
	if _, ok := nilConfig.platform().(OSPlatform); !ok {
		t.Error("defaulted platform is not OSPlatform")
	}
}

func TestFileStatusStrings(t *testing.T) {
	if StatusOK.String() != "ok" || StatusCryptoError.String() != "crypto-error" {
		t.Error("status string mapping broken")
	}
	if !StatusFlushError.recoverable() || !StatusWriteToDiskFailed.recoverable() {
		t.Error("transient statuses must be recoverable")
	}
	if StatusCryptoError.recoverable() || StatusCorrupted.recoverable() {
		t.Error("terminal statuses must not be recoverable")
	}
}
