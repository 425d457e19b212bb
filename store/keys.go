package store

import (
	"sort"
	"strings"
)

// UniqueKey renders the canonical identity of a metric series:
// "name|k1=v1,k2=v2" with label keys in lexicographic order. Series with the
// same name and label set always produce the same key, which is what the
// both-direction merge and the rule differ key on.
func UniqueKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}
