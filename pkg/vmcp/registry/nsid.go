// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Backend ids are constrained to this charset (no underscores), which
// makes every namespaced id parse unambiguously: the first underscore
// in a tool or prompt id always terminates the backend id.
var backendIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidBackendID reports whether id may be used as a namespace prefix.
func ValidBackendID(id string) bool {
	return backendIDPattern.MatchString(id)
}

// ToolID computes the namespaced id for a tool or prompt.
func ToolID(backendID, native string) string {
	return backendID + "_" + native
}

// ParseToolID splits a namespaced tool or prompt id into its backend id
// and backend-native name.
func ParseToolID(nsID string) (backendID, native string, err error) {
	idx := strings.Index(nsID, "_")
	if idx <= 0 || idx == len(nsID)-1 {
		return "", "", fmt.Errorf("malformed namespaced id %q", nsID)
	}
	return nsID[:idx], nsID[idx+1:], nil
}

const resourceScheme = "mcp://"

// ResourceID computes the namespaced URI for a resource. The native URI
// is percent-encoded so it round-trips through a single path segment.
func ResourceID(backendID, nativeURI string) string {
	return resourceScheme + backendID + "/" + url.PathEscape(nativeURI)
}

// ParseResourceID splits a namespaced resource URI into its backend id
// and backend-native URI.
func ParseResourceID(nsURI string) (backendID, nativeURI string, err error) {
	rest, ok := strings.CutPrefix(nsURI, resourceScheme)
	if !ok {
		return "", "", fmt.Errorf("namespaced resource URI %q missing %s scheme", nsURI, resourceScheme)
	}
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("malformed namespaced resource URI %q", nsURI)
	}
	native, uerr := url.PathUnescape(rest[idx+1:])
	if uerr != nil {
		return "", "", fmt.Errorf("decoding namespaced resource URI %q: %w", nsURI, uerr)
	}
	return rest[:idx], native, nil
}
