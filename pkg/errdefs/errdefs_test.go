package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"direct", ErrHostIneligible, "HostIneligible"},
		{"wrapped", fmt.Errorf("phase 2: %w", ErrHostIneligible), "HostIneligible"},
		{"double wrapped", fmt.Errorf("apply: %w", Wrap(ErrPodNeverReady, "pod %s", "c1-abc")), "PodNeverReady"},
		{"unknown", errors.New("boom"), "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestWrapKeepsMessage(t *testing.T) {
	err := Wrap(ErrDuplicateName, "app %q already exists", "app-a")
	assert.True(t, errors.Is(err, ErrDuplicateName))
	assert.Equal(t, `duplicate name: app "app-a" already exists`, err.Error())
}
