package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Args is a decoded, validated tool argument struct
type Args interface {
	Validate() error
}

// decodeArgs unmarshals raw engine arguments into T and validates them.
// Empty input decodes as an empty object.
func decodeArgs[T Args](raw []byte) (Args, error) {
	var v T
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return v, nil
}

func required(fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
}

func validDate(field, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(dateLayout, v); err != nil {
		return fmt.Errorf("%s must be YYYY-MM-DD, got %q", field, v)
	}
	return nil
}

func validTime(field, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(timeLayout, v); err != nil {
		return fmt.Errorf("%s must be HH:MM (24h), got %q", field, v)
	}
	return nil
}

// CheckAvailabilityArgs asks for free appointment slots
type CheckAvailabilityArgs struct {
	Department     string `json:"department,omitempty"`
	DoctorID       string `json:"doctor_id,omitempty"`
	Date           string `json:"date"`
	TimePreference string `json:"time_preference,omitempty"` // morning, afternoon, evening
}

func (a CheckAvailabilityArgs) Validate() error {
	if err := required(map[string]string{"date": a.Date}); err != nil {
		return err
	}
	if a.Department == "" && a.DoctorID == "" {
		return errors.New("one of department or doctor_id is required")
	}
	return validDate("date", a.Date)
}

// BookAppointmentArgs books a slot returned by check_availability
type BookAppointmentArgs struct {
	PatientID  string `json:"patient_id,omitempty"`
	DoctorID   string `json:"doctor_id,omitempty"`
	Department string `json:"department,omitempty"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	Reason     string `json:"reason,omitempty"`
}

func (a BookAppointmentArgs) Validate() error {
	if err := required(map[string]string{"date": a.Date, "time": a.Time}); err != nil {
		return err
	}
	if a.Department == "" && a.DoctorID == "" {
		return errors.New("one of department or doctor_id is required")
	}
	return errors.Join(validDate("date", a.Date), validTime("time", a.Time))
}

// RescheduleAppointmentArgs moves an existing appointment
type RescheduleAppointmentArgs struct {
	AppointmentID string `json:"appointment_id"`
	NewDate       string `json:"new_date"`
	NewTime       string `json:"new_time"`
}

func (a RescheduleAppointmentArgs) Validate() error {
	if err := required(map[string]string{
		"appointment_id": a.AppointmentID,
		"new_date":       a.NewDate,
		"new_time":       a.NewTime,
	}); err != nil {
		return err
	}
	return errors.Join(validDate("new_date", a.NewDate), validTime("new_time", a.NewTime))
}

// CancelAppointmentArgs cancels an existing appointment
type CancelAppointmentArgs struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason,omitempty"`
}

func (a CancelAppointmentArgs) Validate() error {
	return required(map[string]string{"appointment_id": a.AppointmentID})
}

// LookupPatientArgs finds a patient record
type LookupPatientArgs struct {
	PatientID   string `json:"patient_id,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Name        string `json:"name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
}

func (a LookupPatientArgs) Validate() error {
	if a.PatientID == "" && a.Phone == "" && (a.Name == "" || a.DateOfBirth == "") {
		return errors.New("patient_id, phone, or name with date_of_birth is required")
	}
	return validDate("date_of_birth", a.DateOfBirth)
}

// UpdatePatientArgs changes contact details on a patient record
type UpdatePatientArgs struct {
	PatientID string `json:"patient_id,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
	Address   string `json:"address,omitempty"`
}

func (a UpdatePatientArgs) Validate() error {
	if a.Phone == "" && a.Email == "" && a.Address == "" {
		return errors.New("at least one of phone, email or address is required")
	}
	if a.Email != "" && !strings.Contains(a.Email, "@") {
		return fmt.Errorf("email %q is not valid", a.Email)
	}
	return nil
}

// PrescriptionRefillArgs requests a refill of an existing prescription
type PrescriptionRefillArgs struct {
	PatientID  string `json:"patient_id,omitempty"`
	Medication string `json:"medication"`
	Pharmacy   string `json:"pharmacy,omitempty"`
}

func (a PrescriptionRefillArgs) Validate() error {
	return required(map[string]string{"medication": a.Medication})
}

// VerifyIdentityArgs checks the caller against the patient record
type VerifyIdentityArgs struct {
	Name        string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	Phone       string `json:"phone,omitempty"`
}

func (a VerifyIdentityArgs) Validate() error {
	if err := required(map[string]string{"name": a.Name, "date_of_birth": a.DateOfBirth}); err != nil {
		return err
	}
	return validDate("date_of_birth", a.DateOfBirth)
}

// ScheduleCallbackArgs asks staff to call the patient back
type ScheduleCallbackArgs struct {
	Phone         string `json:"phone,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
	Reason        string `json:"reason"`
}

func (a ScheduleCallbackArgs) Validate() error {
	return required(map[string]string{"reason": a.Reason})
}

// TransferCallArgs hands the caller to a human
type TransferCallArgs struct {
	Department string `json:"department,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (a TransferCallArgs) Validate() error { return nil }

// EndCallArgs ends the conversation after the goodbye
type EndCallArgs struct {
	Reason string `json:"reason,omitempty"`
}

func (a EndCallArgs) Validate() error { return nil }
