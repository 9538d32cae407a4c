// Copyright 2021 Molecula Corp. All rights reserved.
package filtermerge

import (
	"runtime"
	"time"
)

// Set at link time.
var Version string
var Commit string
var BuildTime string
var GoVersion string = runtime.Version()

func VersionInfo() string {
	suffix := " v0.x"
	if Version != "" {
		suffix = " " + Version
	}
	buildTime := BuildTime
	if buildTime != "" {
		// Normalize the build time into a friendly format in the user's time zone.
		if t, err := time.Parse("2006-01-02T15:04:05+0000", BuildTime); err == nil {
			buildTime = t.Local().Format("Jan _2 2006 3:04PM")
		}
	}
	switch {
	case Commit != "" && buildTime != "":
		suffix += " (" + buildTime + ", " + Commit + ")"
	case Commit != "":
		suffix += " (" + Commit + ")"
	case buildTime != "":
		suffix += " (" + buildTime + ")"
	}
	return "filtermerge" + suffix + " " + GoVersion
}
