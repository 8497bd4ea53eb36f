package domain

import (
	"sort"
	"strconv"
	"strings"
)

const (
	// DisplayNameFallback names a conversation with no usable
	// participant names and no title.
	DisplayNameFallback = "Conversation"

	// DisplayNamePlaceholder is served on a cache miss while the real
	// name is computed in the background.
	DisplayNamePlaceholder = "…"

	// displayNameMaxNames caps how many participant names a computed
	// title lists before collapsing the rest into a +N suffix.
	displayNameMaxNames = 4
)

// ProfileDisplayName prefers the full name over the username.
func ProfileDisplayName(p Profile) string {
	if value := strings.TrimSpace(p.FullName); value != "" {
		return value
	}
	if value := strings.TrimSpace(p.Username); value != "" {
		return value
	}

	return ""
}

// ComputeDisplayName resolves what a conversation is called: the group
// title when one is set, otherwise a deterministic join of the other
// participants' names, capped at displayNameMaxNames with a +N suffix
// for the remainder. Pure function, safe off the critical path.
func ComputeDisplayName(conv Conversation, others []Profile, currentUserID string) string {
	if title := strings.TrimSpace(conv.Title); title != "" {
		return title
	}

	names := make([]string, 0, len(others))
	for _, p := range others {
		if p.ID == currentUserID {
			continue
		}
		if name := ProfileDisplayName(p); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return DisplayNameFallback
	}
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	if len(names) > displayNameMaxNames {
		overflow := len(names) - displayNameMaxNames

		return strings.Join(names[:displayNameMaxNames], ", ") + " +" + strconv.Itoa(overflow)
	}

	return strings.Join(names, ", ")
}
