// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import "testing"

func TestSetLogLevels(t *testing.T) {
	tests := []struct {
		spec  string
		valid bool
	}{
		{"info", true},
		{"trace", true},
		{"ICOM=debug", true},
		{"ICOM=debug,BRKR=trace", true},
		{"verbose", false},
		{"NOPE=debug", false},
		{"ICOM=verbose", false},
		{"ICOM", false},
	}
	for _, test := range tests {
		err := setLogLevels(test.spec)
		if test.valid && err != nil {
			t.Errorf("setLogLevels(%q): %v", test.spec, err)
		}
		if !test.valid && err == nil {
			t.Errorf("setLogLevels(%q) accepted an invalid spec", test.spec)
		}
	}
	// Restore the default so other tests log quietly.
	if err := setLogLevels(defaultDebugLevel); err != nil {
		t.Fatal(err)
	}
}
