// Package conflict decides which version of a diverged record to keep.
package conflict

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyLocal always keeps the local copy.
	StrategyLocal Strategy = "local"

	// StrategyRemote always keeps the server copy.
	StrategyRemote Strategy = "remote"

	// StrategyMerge keeps whichever copy has the later UpdatedAt. This is
	// whole-record last-write-wins; fields are never combined.
	StrategyMerge Strategy = "merge"
)

// diffCleanupThreshold is the number of raw diffs above which Describe runs
// the semantic cleanup passes before rendering.
const diffCleanupThreshold = 8

// ParseStrategy converts a config value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StrategyLocal, StrategyRemote, StrategyMerge:
		return st, nil
	}

	return "", fmt.Errorf("unknown conflict strategy %q (want local, remote or merge)", s)
}

// Resolve returns the record to keep. It performs no I/O.
//
// Under StrategyMerge a timestamp tie goes to the remote copy so that every
// device holding the same pair converges on the same record.
func Resolve(c models.Conflict, strategy Strategy) (models.Record, error) {
	switch strategy {
	case StrategyLocal:
		return c.Local, nil
	case StrategyRemote:
		return c.Remote, nil
	case StrategyMerge:
		if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
			return c.Local, nil
		}

		return c.Remote, nil
	}

	return models.Record{}, fmt.Errorf("resolving %s/%s: unknown strategy %q", c.EntityType, c.RecordID, strategy)
}

// Describe renders a compact line diff between the local and remote
// payloads for log output. Unchanged runs are elided.
func Describe(c models.Conflict) string {
	localText := render(c.Local.Fields)
	remoteText := render(c.Remote.Fields)

	if localText == remoteText {
		return "payloads identical"
	}

	dmp := diffmatchpatch.New()

	a, b, lines := dmp.DiffLinesToChars(localText, remoteText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var sb strings.Builder

	for _, d := range diffs {
		var prefix string

		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}

		for line := range strings.SplitSeq(strings.TrimSuffix(d.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// render prints a payload as indented JSON, one field per line, with keys
// sorted so diffs are stable.
func render(v models.Value) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<unrenderable: %v>", err)
	}

	return string(data) + "\n"
}
