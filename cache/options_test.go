package cache

import (
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.LocalCacheConfig.MaxSize <= 0 {
		t.Fatal("MaxSize should be positive")
	}
	if opts.DebugMode {
		t.Fatal("DebugMode should be off by default")
	}
	if err := opts.Validate(); err != nil {
		t.Fatalf("Default options should validate: %v", err)
	}
}

func TestDefaultLocalCacheConfig(t *testing.T) {
	config := DefaultLocalCacheConfig()

	if err := config.ValidateLFU(); err != nil {
		t.Fatalf("Default config should be a valid LFU config: %v", err)
	}
	if config.BufferItems <= 0 {
		t.Fatal("BufferItems should be positive")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name  string
		opts  func() Options
		valid bool
	}{
		{
			name:  "Valid options",
			opts:  DefaultOptions,
			valid: true,
		},
		{
			name: "Zero MaxSize without factory",
			opts: func() Options {
				o := DefaultOptions()
				o.LocalCacheConfig.MaxSize = 0
				return o
			},
			valid: false,
		},
		{
			name: "Zero MaxSize with factory",
			opts: func() Options {
				o := DefaultOptions()
				o.LocalCacheConfig.MaxSize = 0
				o.LocalCacheFactory = NewLRUCacheFactory(8)
				return o
			},
			valid: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			opts := test.opts()
			err := opts.Validate()
			if test.valid && err != nil {
				t.Fatalf("Expected valid options, got error: %v", err)
			}
			if !test.valid && err != ErrInvalidConfig {
				t.Fatalf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestCacheErrorMessage(t *testing.T) {
	if ErrInvalidConfig.Error() != "invalid cache configuration" {
		t.Fatalf("Unexpected message %q", ErrInvalidConfig.Error())
	}
}
