// Package permission holds the persisted operation-name to permission-level
// map consulted by the dispatcher before every tool call.
package permission

import (
	"fmt"
	"strings"
)

// Level is an advisory enforcement tier for one operation.
type Level string

const (
	Disabled Level = "disabled"
	ReadOnly Level = "read_only"
	AIAsk    Level = "ai_ask"
	AIAuto   Level = "ai_auto"
)

// Levels lists every level, most restrictive first.
var Levels = []Level{Disabled, ReadOnly, AIAsk, AIAuto}

// ParseLevel accepts both the persisted form ("ai_auto") and the
// constant-style form clients send ("AI_AUTO").
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case Disabled, ReadOnly, AIAsk, AIAuto:
		return l, nil
	}
	return "", fmt.Errorf("invalid permission level %q (valid: DISABLED, READ_ONLY, AI_ASK, AI_AUTO)", s)
}

// Name is the upper-case label used in tool responses.
func (l Level) Name() string {
	return strings.ToUpper(string(l))
}

// Allows reports whether dispatch may proceed at this level.
func (l Level) Allows() bool {
	return l != Disabled && l != ""
}
