package permission

import "strings"

type inferRule struct {
	level Level
	verbs []string
}

// inferRules is evaluated in order. Observation wins over modification,
// which wins over the dangerous set.
var inferRules = []inferRule{
	{AIAuto, []string{"list", "get", "read", "query", "show", "check", "ping"}},
	{AIAsk, []string{"set", "enable", "disable", "start", "stop", "restart", "install", "remove", "update"}},
	{Disabled, []string{"reboot", "shutdown", "kill", "delete", "destroy", "format"}},
}

// Infer derives a level from an operation name when no explicit entry
// exists. A leading verb decides first; failing that, any verb appearing
// anywhere in the name decides, in table order. Unknown names get AIAsk.
func Infer(name string) Level {
	lower := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "tool_")
	for _, r := range inferRules {
		for _, v := range r.verbs {
			if lower == v || strings.HasPrefix(lower, v+"_") {
				return r.level
			}
		}
	}
	for _, r := range inferRules {
		for _, v := range r.verbs {
			if strings.Contains(lower, v) {
				return r.level
			}
		}
	}
	return AIAsk
}
