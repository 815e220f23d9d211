package device

import "strings"

// Flag is a bitset of durable device properties.
type Flag uint64

const (
	FlagNone               Flag = 0
	FlagUpdatable          Flag = 1 << iota // can be updated at all
	FlagUpdatableHidden                     // updatable, hidden from default listings
	FlagSupported                           // upstream metadata exists
	FlagIsBootloader                        // currently in bootloader mode
	FlagNeedsReboot                         // host reboot finishes the update
	FlagNeedsShutdown                       // host shutdown finishes the update
	FlagNeedsActivation                     // staged, awaiting a later commit
	FlagWaitForReplug                       // expected to disappear and return
	FlagSignedPayload                       // vendor ships signed payloads
	FlagUnsignedPayload                     // vendor ships unsigned payloads
	FlagCanVerify                           // on-device checksum read-back
	FlagCanVerifyImage                      // full image read-back
	FlagEmulated                            // backed by no physical hardware
	FlagEmulationTag                        // recording transactions for emulation
	FlagLocked                              // requires unlock before update
	FlagHasMultipleBranches                 // alternate firmware branches exist
	FlagReported                            // history uploaded to the remote
	FlagInternal                            // not removable by the user
)

var flagNames = map[Flag]string{
	FlagUpdatable:           "updatable",
	FlagUpdatableHidden:     "updatable-hidden",
	FlagSupported:           "supported",
	FlagIsBootloader:        "is-bootloader",
	FlagNeedsReboot:         "needs-reboot",
	FlagNeedsShutdown:       "needs-shutdown",
	FlagNeedsActivation:     "needs-activation",
	FlagWaitForReplug:       "wait-for-replug",
	FlagSignedPayload:       "signed-payload",
	FlagUnsignedPayload:     "unsigned-payload",
	FlagCanVerify:           "can-verify",
	FlagCanVerifyImage:      "can-verify-image",
	FlagEmulated:            "emulated",
	FlagEmulationTag:        "emulation-tag",
	FlagLocked:              "locked",
	FlagHasMultipleBranches: "has-multiple-branches",
	FlagReported:            "reported",
	FlagInternal:            "internal",
}

func (f Flag) String() string {
	if f == FlagNone {
		return "none"
	}
	var names []string
	for bit, name := range flagNames {
		if f&bit != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// Problem is a bitset of transient conditions blocking an update.
type Problem uint64

const (
	ProblemNone                    Problem = 0
	ProblemBatteryLow              Problem = 1 << iota
	ProblemLidClosed
	ProblemRequireACPower
	ProblemUnreachable
	ProblemUpdatePending // an update awaits activation or reboot
	ProblemInUse
)

var problemNames = map[Problem]string{
	ProblemBatteryLow:     "battery-low",
	ProblemLidClosed:      "lid-closed",
	ProblemRequireACPower: "require-ac-power",
	ProblemUnreachable:    "unreachable",
	ProblemUpdatePending:  "update-pending",
	ProblemInUse:          "in-use",
}

func (p Problem) String() string {
	if p == ProblemNone {
		return "none"
	}
	var names []string
	for bit, name := range problemNames {
		if p&bit != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}
