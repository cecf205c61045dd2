// Bastion - Community Anomaly Detection and Sanction Engine
// Copyright 2026 Bastion Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/bastion-dev/bastion

package detection

import (
	"errors"
	"fmt"
	"testing"
)

func TestTrustTier_Ordering(t *testing.T) {
	if !TrustOwner.AtLeast(TrustTrustedAdmin) {
		t.Error("owner should outrank trusted admin")
	}
	if !TrustTrustedAdmin.AtLeast(TrustTrustedAdmin) {
		t.Error("AtLeast is inclusive")
	}
	if TrustNormalAdmin.AtLeast(TrustTrustedAdmin) {
		t.Error("normal admin must not pass a trusted-admin gate")
	}
	if TrustDefaultUser.AtLeast(TrustNormalAdmin) {
		t.Error("default user is the bottom tier")
	}
}

func TestTrustTier_RoundTrip(t *testing.T) {
	for _, tier := range []TrustTier{TrustDefaultUser, TrustNormalAdmin, TrustTrustedAdmin, TrustOwner} {
		if got := ParseTrustTier(tier.String()); got != tier {
			t.Errorf("ParseTrustTier(%q) = %v, want %v", tier.String(), got, tier)
		}
	}
	if got := ParseTrustTier("sysadmin"); got != TrustDefaultUser {
		t.Errorf("unknown name = %v, want default user", got)
	}
}

func TestRejectionError(t *testing.T) {
	err := Reject("quota of %d reached", 3)
	if err.Error() != "quota of 3 reached" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !IsRejection(err) {
		t.Error("Reject output should satisfy IsRejection")
	}
	if !IsRejection(fmt.Errorf("cast vote: %w", err)) {
		t.Error("IsRejection should unwrap")
	}
	if IsRejection(errors.New("disk full")) {
		t.Error("ordinary errors are not rejections")
	}
}
