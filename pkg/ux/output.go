// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output: styled for terminals, plain for pipes.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconInfo    Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes user-facing lines. In Plain mode it emits stable,
// prefix-tagged text suitable for scripts.
//
// Thread Safety: Not safe for concurrent use.
type Printer struct {
	out   io.Writer
	plain bool
}

// NewPrinter creates a Printer on out.
func NewPrinter(out io.Writer, plain bool) *Printer {
	return &Printer{out: out, plain: plain}
}

// Plain reports whether styling is disabled.
func (p *Printer) Plain() bool { return p.plain }

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.plain {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.plain {
		fmt.Fprintf(p.out, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if p.plain {
		fmt.Fprintf(p.out, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	if p.plain {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Text prints text unchanged.
func (p *Printer) Text(text string) {
	fmt.Fprint(p.out, text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(p.out)
	}
}

// ErrorBox prints text in an error-styled box
func (p *Printer) ErrorBox(title, content string) {
	if p.plain {
		fmt.Fprintf(p.out, "ERROR %s: %s\n", title, content)
		return
	}
	titleLine := Styles.Error.Bold(true).Render(title)
	fmt.Fprintln(p.out, Styles.ErrorBox.Width(60).Render(titleLine+"\n"+content))
}

// Diagnostic prints one compiler marker as file:line:col.
func (p *Printer) Diagnostic(file string, line, col int, severity, msg string) {
	loc := fmt.Sprintf("%s:%d:%d", file, line, col)
	if p.plain {
		fmt.Fprintf(p.out, "%s: %s: %s\n", loc, severity, msg)
		return
	}
	icon := IconError
	if severity != "error" {
		icon = IconWarning
	}
	fmt.Fprintf(p.out, "%s %s %s\n", icon.Render(), Styles.Bold.Render(loc), msg)
}

// Summary prints a summary line with counts
func (p *Printer) Summary(files, errs, warnings int) {
	if p.plain {
		fmt.Fprintf(p.out, "SUMMARY: files=%d errors=%d warnings=%d\n", files, errs, warnings)
		return
	}
	fmt.Fprintf(p.out, "\n%s %s  %s %s  %s %s\n",
		Styles.Bold.Render(fmt.Sprintf("%d", files)), Styles.Muted.Render("files"),
		Styles.Error.Render(fmt.Sprintf("%d", errs)), Styles.Muted.Render("errors"),
		Styles.Warning.Render(fmt.Sprintf("%d", warnings)), Styles.Muted.Render("warnings"),
	)
}
