package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/scrypster/invoicemem/pkg/types"
)

// summarizedPhases are the phases whose last audit entry makes up the
// reasoning, in order.
var summarizedPhases = []types.Phase{
	types.PhaseRecall,
	types.PhaseApply,
	types.PhaseDecide,
}

// reasoning joins the last recall, apply and decide entries and annotates
// duplicates.
func reasoning(trail []types.AuditEntry, dup types.DuplicateCheck) string {
	last := make(map[types.Phase]string, len(summarizedPhases))
	for _, e := range trail {
		last[e.Step] = e.Details
	}

	parts := make([]string, 0, len(summarizedPhases)+1)
	for _, phase := range summarizedPhases {
		if d := last[phase]; d != "" {
			parts = append(parts, d)
		}
	}

	if dup.IsDuplicate {
		kind := "Potential duplicate"
		if dup.IsConfirmed {
			kind = "Confirmed duplicate"
		}
		parts = append(parts, kind+": "+dup.Reason+".")
	}
	return strings.Join(parts, " ")
}

// contextHash identifies the context a resolution is recorded against.
func contextHash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
