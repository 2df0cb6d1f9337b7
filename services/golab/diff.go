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
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

const (
	diffContext = 3

	// maxDiffCells bounds the LCS table; larger inputs diff as one
	// replacement hunk.
	maxDiffCells = 4 << 20
)

type edit struct {
	op   byte // ' ', '-' or '+'
	line string
}

// unifiedDiff renders the change from orig to updated as a unified diff
// of file name. Identical inputs yield "".
func unifiedDiff(name, orig, updated string) (string, error) {
	if orig == updated {
		return "", nil
	}
	hunks := buildHunks(lineEdits(splitLines(orig), splitLines(updated)))
	if len(hunks) == 0 {
		return "", nil
	}
	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + name,
		NewName:  "b/" + name,
		Hunks:    hunks,
	})
	if err != nil {
		return "", fmt.Errorf("print diff: %w", err)
	}
	return string(out), nil
}

// splitLines splits s into lines that each end in a newline.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if last := lines[len(lines)-1]; !strings.HasSuffix(last, "\n") {
		lines[len(lines)-1] = last + "\n"
	}
	return lines
}

// lineEdits computes a shortest edit script with a longest common
// subsequence table.
func lineEdits(a, b []string) []edit {
	n, m := len(a), len(b)
	if (n+1)*(m+1) > maxDiffCells {
		edits := make([]edit, 0, n+m)
		for _, l := range a {
			edits = append(edits, edit{'-', l})
		}
		for _, l := range b {
			edits = append(edits, edit{'+', l})
		}
		return edits
	}

	w := m + 1
	lcs := make([]int, (n+1)*w)
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				lcs[i*w+j] = lcs[(i+1)*w+j+1] + 1
			} else {
				lcs[i*w+j] = max(lcs[(i+1)*w+j], lcs[i*w+j+1])
			}
		}
	}

	edits := make([]edit, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			edits = append(edits, edit{' ', a[i]})
			i++
			j++
		case lcs[(i+1)*w+j] >= lcs[i*w+j+1]:
			edits = append(edits, edit{'-', a[i]})
			i++
		default:
			edits = append(edits, edit{'+', b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		edits = append(edits, edit{'-', a[i]})
	}
	for ; j < m; j++ {
		edits = append(edits, edit{'+', b[j]})
	}
	return edits
}

// buildHunks groups edits into hunks with diffContext lines of context,
// merging changes separated by at most twice that.
func buildHunks(edits []edit) []*diff.Hunk {
	// origBefore[k] and newBefore[k] count the lines consumed before edit k.
	origBefore := make([]int, len(edits)+1)
	newBefore := make([]int, len(edits)+1)
	for k, e := range edits {
		origBefore[k+1] = origBefore[k]
		newBefore[k+1] = newBefore[k]
		if e.op != '+' {
			origBefore[k+1]++
		}
		if e.op != '-' {
			newBefore[k+1]++
		}
	}

	var hunks []*diff.Hunk
	for k := 0; k < len(edits); {
		if edits[k].op == ' ' {
			k++
			continue
		}

		start := max(k-diffContext, 0)
		end := k
		for {
			for end < len(edits) && edits[end].op != ' ' {
				end++
			}
			next := end
			for next < len(edits) && edits[next].op == ' ' {
				next++
			}
			if next < len(edits) && next-end <= 2*diffContext {
				end = next
				continue
			}
			break
		}
		stop := min(end+diffContext, len(edits))

		var body bytes.Buffer
		for _, e := range edits[start:stop] {
			body.WriteByte(e.op)
			body.WriteString(e.line)
		}

		h := &diff.Hunk{
			OrigStartLine: int32(origBefore[start] + 1),
			OrigLines:     int32(origBefore[stop] - origBefore[start]),
			NewStartLine:  int32(newBefore[start] + 1),
			NewLines:      int32(newBefore[stop] - newBefore[start]),
			Body:          body.Bytes(),
		}
		if h.OrigLines == 0 {
			h.OrigStartLine--
		}
		if h.NewLines == 0 {
			h.NewStartLine--
		}
		hunks = append(hunks, h)
		k = stop
	}
	return hunks
}
