// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package golab

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/AleutianAI/labworker/services/offload/message"
)

// SupportedVersions lists the Go language versions the type checker can
// be pinned to, oldest first.
var SupportedVersions = []string{"v1.21.0", "v1.22.0", "v1.23.0", "v1.24.0", "v1.25.0"}

// Configurations lists the target architectures used for type sizes.
var Configurations = []string{"amd64", "arm64", "386", "wasm"}

const (
	defaultVersion       = "v1.24.0"
	defaultConfiguration = "amd64"
)

// selection is the active compiler version and configuration.
type selection struct {
	version       string
	configuration string
}

// goVersion returns the go/types form of the version, e.g. "go1.24".
func (s selection) goVersion() string {
	return goVersionOf(s.version)
}

func goVersionOf(version string) string {
	return "go" + strings.TrimPrefix(semver.MajorMinor(version), "v")
}

// canonicalVersion accepts "1.22", "go1.22" and "v1.22.3" spellings.
func canonicalVersion(version string) string {
	v := strings.TrimSpace(version)
	v = strings.TrimPrefix(v, "go")
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

func supported(version string) bool {
	mm := semver.MajorMinor(version)
	return slices.ContainsFunc(SupportedVersions, func(v string) bool {
		return semver.MajorMinor(v) == mm
	})
}

// sdkInfo describes version without changing the selection.
func sdkInfo(version string) message.SdkInfo {
	info := message.SdkInfo{Version: version}
	v := canonicalVersion(version)
	if v == "" {
		return info
	}
	info.Valid = true
	info.Major = semver.Major(v)
	info.MajorMinor = semver.MajorMinor(v)
	info.Prerelease = semver.Prerelease(v)
	info.GoVersion = goVersionOf(v)
	info.Supported = supported(v)
	return info
}

// validateSelection checks args against the supported matrix and returns
// the resulting selection.
func validateSelection(current selection, args message.UseCompilerVersionArgs) (selection, error) {
	if args.Kind != message.CompilerGo {
		return current, fmt.Errorf("%w: %q", ErrUnknownCompiler, args.Kind)
	}

	v := canonicalVersion(args.Version)
	if v == "" {
		return current, fmt.Errorf("%w: %q is not a version", ErrUnsupportedVersion, args.Version)
	}
	if !supported(v) {
		return current, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedVersion, v, strings.Join(SupportedVersions, ", "))
	}

	next := selection{version: v, configuration: current.configuration}
	if args.Configuration != "" {
		if !slices.Contains(Configurations, args.Configuration) {
			return current, fmt.Errorf("%w: %q", ErrUnknownConfiguration, args.Configuration)
		}
		next.configuration = args.Configuration
	}
	return next, nil
}
