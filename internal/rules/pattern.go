package rules

import "strings"

// matchTopic implements the engine's glob convention (spec §4.8): a
// pattern segment of "*" matches exactly one topic segment; a segment of
// "**" matches zero or more remaining segments (must be the pattern's last
// segment, the usual multi-level-wildcard convention).
func matchTopic(pattern, topic string) bool {
	pSegs := strings.Split(pattern, ".")
	tSegs := strings.Split(topic, ".")
	return matchSegments(pSegs, tSegs)
}

func matchSegments(pattern, topic []string) bool {
	for i, p := range pattern {
		if p == "**" {
			// "**" only makes sense as the final segment; it swallows
			// everything remaining regardless of length, including zero.
			return true
		}
		if i >= len(topic) {
			return false
		}
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return len(pattern) == len(topic)
}
