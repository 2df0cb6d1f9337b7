// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
)

// ErrNotInteractive is returned by Confirm when stdin is not a terminal.
var ErrNotInteractive = errors.New("ux: not an interactive terminal")

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// IsInteractive reports whether prompts can be shown: both stdin and
// stdout are terminals and LABWORKER_PLAIN is unset.
func IsInteractive() bool {
	if os.Getenv("LABWORKER_PLAIN") != "" {
		return false
	}
	return IsTerminal(os.Stdin) && IsTerminal(os.Stdout)
}

// Confirm asks a yes/no question.
func Confirm(title, description, yes, no string) (bool, error) {
	if !IsInteractive() {
		return false, ErrNotInteractive
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative(yes).
		Negative(no).
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
