package session

import (
	"fmt"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// VersionPolicy decides whether a library version is acceptable.
type VersionPolicy interface {
	Accept(model.VersionInfo) error
}

// AnyVersion accepts every version.
type AnyVersion struct{}

// Accept always returns nil.
func (AnyVersion) Accept(model.VersionInfo) error { return nil }

// StrictVersion requires exact names and versions. Empty fields match anything.
type StrictVersion struct {
	LibraryName     string
	LibraryVersion  string
	PipelineName    string
	PipelineVersion string
}

// Accept returns an error wrapping device.ErrIncompatibleVersion on mismatch.
func (p StrictVersion) Accept(v model.VersionInfo) error {
	checks := []struct {
		field, want, got string
	}{
		{"library name", p.LibraryName, v.LibraryName},
		{"library version", p.LibraryVersion, v.LibraryVersion},
		{"pipeline name", p.PipelineName, v.PipelineName},
		{"pipeline version", p.PipelineVersion, v.PipelineVersion},
	}
	for _, c := range checks {
		if c.want != "" && c.want != c.got {
			return fmt.Errorf("%w: %s is %q, expected %q", device.ErrIncompatibleVersion, c.field, c.got, c.want)
		}
	}
	return nil
}
