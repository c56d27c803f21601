package buildinfo

import "fmt"

// Version is set by the linker.
//
//nolint:gochecknoglobals // set by the linker
var Version = "dev"

// BuildTime is set by the linker.
//
//nolint:gochecknoglobals // set by the linker
var BuildTime string

// AppName is set by the linker.
//
//nolint:gochecknoglobals // set by the linker
var AppName = "textrpc"

func String() string {
	if BuildTime == "" {
		return fmt.Sprintf("%s %s", AppName, Version)
	}

	return fmt.Sprintf("%s %s (built %s)", AppName, Version, BuildTime)
}
