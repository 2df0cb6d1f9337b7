// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/labworker/services/golab"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func (a *app) runVersion(cmd *cobra.Command) error {
	v := version
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "labworker %s\n", v)
	fmt.Fprintf(out, "built with %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(out, "worker mode: %s (enabled: %t)\n", a.cfg.Worker.Mode, a.cfg.Worker.Enabled)
	fmt.Fprintf(out, "go versions: %s\n", strings.Join(golab.SupportedVersions, ", "))
	fmt.Fprintf(out, "configurations: %s\n", strings.Join(golab.Configurations, ", "))
	return nil
}
