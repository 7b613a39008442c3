package bridge

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultInstructions is the agent persona used when none is configured
const DefaultInstructions = `You are the phone assistant of a hospital. You help callers check doctor availability, book, reschedule and cancel appointments, request prescription refills and schedule callbacks.
Keep answers short and conversational: this is a phone call. Confirm dates, times and names back to the caller before booking.
Verify the caller's identity before reading or changing any patient record.
If you cannot help, offer to transfer the caller to a member of staff. When the caller is done, say a short goodbye and call end_call.`

// BuildInstructions renders the engine instructions for a call from the
// persona and the resolved business context
func BuildInstructions(opts Options, bc BusinessContext) string {
	var b strings.Builder
	if opts.Instructions != "" {
		b.WriteString(opts.Instructions)
	} else {
		b.WriteString(DefaultInstructions)
	}

	hospital := bc.HospitalName
	if hospital == "" {
		hospital = opts.HospitalName
	}

	var facts []string
	if hospital != "" {
		facts = append(facts, fmt.Sprintf("Hospital: %s", hospital))
	}
	if bc.CallerName != "" {
		facts = append(facts, fmt.Sprintf("Caller name: %s", bc.CallerName))
	}
	if bc.CallerNumber != "" {
		facts = append(facts, fmt.Sprintf("Caller phone number: %s", bc.CallerNumber))
	}
	if bc.PatientID != "" {
		facts = append(facts, fmt.Sprintf("Known patient id: %s", bc.PatientID))
	}
	if bc.Language != "" {
		facts = append(facts, fmt.Sprintf("Preferred language: %s", bc.Language))
	}
	keys := make([]string, 0, len(bc.Extra))
	for k := range bc.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		facts = append(facts, fmt.Sprintf("%s: %s", k, bc.Extra[k]))
	}

	if len(facts) > 0 {
		b.WriteString("\n\nCall context:\n- ")
		b.WriteString(strings.Join(facts, "\n- "))
	}
	return b.String()
}
