package gms

import (
	hcversion "github.com/hashicorp/go-version"
)

// compatibleVersion reports whether a joiner's advertised protocol
// version can be admitted alongside this leader's own (§4.8). Members
// must agree on the major version; minor/patch drift is allowed since
// those releases are wire-compatible by convention.
func compatibleVersion(leader, joiner string) bool {
	lv, err := hcversion.NewVersion(leader)
	if err != nil {
		return true
	}
	jv, err := hcversion.NewVersion(joiner)
	if err != nil {
		return false
	}
	return lv.Segments()[0] == jv.Segments()[0]
}
