// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is the data model version negotiated with the broker.
type SchemaVersion struct {
	Major uint16
	Minor uint16
}

// DefaultMaxSchemaVersion is the newest data model schema this client
// encodes for.
var DefaultMaxSchemaVersion = SchemaVersion{Major: 0, Minor: 13}

// ParseSchemaVersion parses "major.minor". A missing minor part is zero.
func ParseSchemaVersion(s string) (SchemaVersion, error) {
	majorStr, minorStr, hasMinor := strings.Cut(strings.TrimSpace(s), ".")
	major, err := strconv.ParseUint(majorStr, 10, 16)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid schema version %q: %w", s, err)
	}
	var minor uint64
	if hasMinor {
		minor, err = strconv.ParseUint(minorStr, 10, 16)
		if err != nil {
			return SchemaVersion{}, fmt.Errorf("invalid schema version %q: %w", s, err)
		}
	}
	return SchemaVersion{Major: uint16(major), Minor: uint16(minor)}, nil
}

// Less reports whether v is older than o.
func (v SchemaVersion) Less(o SchemaVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// IsZero reports whether no version was negotiated.
func (v SchemaVersion) IsZero() bool {
	return v == SchemaVersion{}
}

func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
