package blob

import (
	"testing"

	"github.com/appsworld/go-macho-sign/pkg/codesign/digest"
)

func TestBuildRequirementSetAlwaysPresent(t *testing.T) {
	sp := BuildRequirementSet(nil, digest.SHA256)
	if sp.Blob == nil {
		t.Fatal("BuildRequirementSet returned nil Blob; Requirement Set must always be embedded")
	}
	if sp.Slot != SlotRequirements {
		t.Errorf("Slot = %v, want SlotRequirements", sp.Slot)
	}
}

func TestBuildEntitlementsNilWhenEmpty(t *testing.T) {
	if sp := BuildEntitlements(nil, digest.SHA256); sp != nil {
		t.Errorf("BuildEntitlements(nil) = %+v, want nil", sp)
	}
}

func TestBuildEntitlementsDERRequiresExecutable(t *testing.T) {
	der := []byte{0x30, 0x03, 0x01, 0x01, 0xff}
	if sp := BuildEntitlementsDER(der, false, digest.SHA256); sp != nil {
		t.Errorf("BuildEntitlementsDER(nonExecutable) = %+v, want nil", sp)
	}
	sp := BuildEntitlementsDER(der, true, digest.SHA256)
	if sp == nil {
		t.Fatal("BuildEntitlementsDER(executable) = nil, want a Special")
	}
	if sp.Slot != SlotEntitlementsDER {
		t.Errorf("Slot = %v, want SlotEntitlementsDER", sp.Slot)
	}
}

func TestDigestOnlyNilWhenEmpty(t *testing.T) {
	if sp := DigestOnly(SlotInfo, nil, digest.SHA256); sp != nil {
		t.Errorf("DigestOnly(nil) = %+v, want nil", sp)
	}
	sp := DigestOnly(SlotInfo, []byte("Info.plist bytes"), digest.SHA256)
	if sp == nil {
		t.Fatal("DigestOnly(non-empty) = nil")
	}
	if sp.Blob != nil {
		t.Error("DigestOnly must never embed a Blob (Info/ResourceDir are digest-only)")
	}
}

func TestBuildConstraintNilWhenEmpty(t *testing.T) {
	if sp := BuildConstraint(SlotLaunchConstraintsSelf, nil, digest.SHA256); sp != nil {
		t.Errorf("BuildConstraint(nil) = %+v, want nil", sp)
	}
}
