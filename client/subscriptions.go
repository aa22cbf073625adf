// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"slices"
	"strings"
)

// groupSet is a set of group names. It is not synchronized; the session
// read lock guards every instance.
type groupSet map[string]struct{}

func newGroupSet(groups ...string) groupSet {
	s := make(groupSet, len(groups))
	for _, g := range groups {
		s.add(g)
	}
	return s
}

// parseGroupList builds a set from a comma separated header value.
func parseGroupList(v string) groupSet {
	s := make(groupSet)
	for _, g := range strings.Split(v, ",") {
		if g = strings.TrimSpace(g); g != "" {
			s.add(g)
		}
	}
	return s
}

func (s groupSet) add(g string) bool {
	if _, ok := s[g]; ok {
		return false
	}
	s[g] = struct{}{}
	return true
}

func (s groupSet) remove(g string) bool {
	if _, ok := s[g]; !ok {
		return false
	}
	delete(s, g)
	return true
}

func (s groupSet) has(g string) bool {
	_, ok := s[g]
	return ok
}

func (s groupSet) clear() {
	for g := range s {
		delete(s, g)
	}
}

// sorted returns the members in lexical order.
func (s groupSet) sorted() []string {
	out := make([]string, 0, len(s))
	for g := range s {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

// join renders the set as a comma separated header value.
func (s groupSet) join() string {
	return strings.Join(s.sorted(), ",")
}
