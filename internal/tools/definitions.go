package tools

// Definition is one function tool advertised to the engine in session.update
type Definition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func object(required []string, props map[string]any) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func enum(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

var (
	dateParam = str("Calendar date, YYYY-MM-DD")
	timeParam = str("Time of day, 24h HH:MM")
)

// tool describes how a name is decoded, classified and advertised
type tool struct {
	kind        Kind
	decode      func([]byte) (Args, error)
	description string
	parameters  map[string]any
}

var toolTable = map[string]tool{
	NameCheckAvailability: {
		kind:        KindNormal,
		decode:      decodeArgs[CheckAvailabilityArgs],
		description: "Find open appointment slots for a department or doctor on a date.",
		parameters: object([]string{"date"}, map[string]any{
			"department":      str("Department, e.g. cardiology"),
			"doctor_id":       str("Doctor identifier if the caller asked for someone specific"),
			"date":            dateParam,
			"time_preference": enum("Preferred part of the day", "morning", "afternoon", "evening"),
		}),
	},
	NameBookAppointment: {
		kind:        KindNormal,
		decode:      decodeArgs[BookAppointmentArgs],
		description: "Book an appointment slot previously returned by check_availability.",
		parameters: object([]string{"date", "time"}, map[string]any{
			"patient_id": str("Patient identifier, if known"),
			"doctor_id":  str("Doctor identifier"),
			"department": str("Department"),
			"date":       dateParam,
			"time":       timeParam,
			"reason":     str("Reason for the visit"),
		}),
	},
	NameRescheduleAppointment: {
		kind:        KindNormal,
		decode:      decodeArgs[RescheduleAppointmentArgs],
		description: "Move an existing appointment to a new date and time.",
		parameters: object([]string{"appointment_id", "new_date", "new_time"}, map[string]any{
			"appointment_id": str("Appointment identifier"),
			"new_date":       dateParam,
			"new_time":       timeParam,
		}),
	},
	NameCancelAppointment: {
		kind:        KindNormal,
		decode:      decodeArgs[CancelAppointmentArgs],
		description: "Cancel an existing appointment.",
		parameters: object([]string{"appointment_id"}, map[string]any{
			"appointment_id": str("Appointment identifier"),
			"reason":         str("Why the caller is cancelling"),
		}),
	},
	NameLookupPatient: {
		kind:        KindNormal,
		decode:      decodeArgs[LookupPatientArgs],
		description: "Look up a patient record by id, phone number, or name and date of birth.",
		parameters: object(nil, map[string]any{
			"patient_id":    str("Patient identifier"),
			"phone":         str("Phone number in E.164 format"),
			"name":          str("Full name"),
			"date_of_birth": dateParam,
		}),
	},
	NameUpdatePatient: {
		kind:        KindNormal,
		decode:      decodeArgs[UpdatePatientArgs],
		description: "Update a patient's contact details after identity has been verified.",
		parameters: object(nil, map[string]any{
			"patient_id": str("Patient identifier"),
			"phone":      str("New phone number"),
			"email":      str("New email address"),
			"address":    str("New postal address"),
		}),
	},
	NamePrescriptionRefill: {
		kind:        KindNormal,
		decode:      decodeArgs[PrescriptionRefillArgs],
		description: "Request a refill of an existing prescription.",
		parameters: object([]string{"medication"}, map[string]any{
			"patient_id": str("Patient identifier"),
			"medication": str("Medication name and strength"),
			"pharmacy":   str("Preferred pharmacy"),
		}),
	},
	NameVerifyIdentity: {
		kind:        KindNormal,
		decode:      decodeArgs[VerifyIdentityArgs],
		description: "Verify the caller's identity before discussing or changing records.",
		parameters: object([]string{"name", "date_of_birth"}, map[string]any{
			"name":          str("Full name as stated by the caller"),
			"date_of_birth": dateParam,
			"phone":         str("Phone number on file"),
		}),
	},
	NameScheduleCallback: {
		kind:        KindNormal,
		decode:      decodeArgs[ScheduleCallbackArgs],
		description: "Ask hospital staff to call the patient back.",
		parameters: object([]string{"reason"}, map[string]any{
			"phone":          str("Number to call back; defaults to the caller's number"),
			"preferred_time": str("When the caller prefers to be called"),
			"reason":         str("What the callback is about"),
		}),
	},
	NameTransferCall: {
		kind:        KindTransfer,
		decode:      decodeArgs[TransferCallArgs],
		description: "Transfer the caller to a human at the hospital. Say that you are transferring before calling this.",
		parameters: object(nil, map[string]any{
			"department": str("Department to transfer to; empty for the front desk"),
			"reason":     str("Why the caller needs a human"),
		}),
	},
	NameEndCall: {
		kind:        KindTerminal,
		decode:      decodeArgs[EndCallArgs],
		description: "End the call once the caller has no further requests. Say goodbye first.",
		parameters: object(nil, map[string]any{
			"reason": str("Short reason the call is ending"),
		}),
	},
}

// toolOrder keeps Definitions deterministic
var toolOrder = []string{
	NameCheckAvailability,
	NameBookAppointment,
	NameRescheduleAppointment,
	NameCancelAppointment,
	NameLookupPatient,
	NameUpdatePatient,
	NamePrescriptionRefill,
	NameVerifyIdentity,
	NameScheduleCallback,
	NameTransferCall,
	NameEndCall,
}

// Definitions returns every tool in the JSON-schema form the engine expects
func Definitions() []Definition {
	defs := make([]Definition, 0, len(toolOrder))
	for _, name := range toolOrder {
		t := toolTable[name]
		defs = append(defs, Definition{
			Type:        "function",
			Name:        name,
			Description: t.description,
			Parameters:  t.parameters,
		})
	}
	return defs
}

// KindOf classifies a tool name. ok is false for unknown names.
func KindOf(name string) (kind Kind, ok bool) {
	t, ok := toolTable[name]
	return t.kind, ok
}
