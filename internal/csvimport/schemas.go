package csvimport

import (
	"fmt"

	"github.com/drfirst/go-hms/internal/domain/hospital"
)

// RuleError is a validation failure of one column
type RuleError struct {
	Column  string
	Message string
}

func (e *RuleError) Error() string { return e.Message }

func violation(column, format string, args ...any) *RuleError {
	return &RuleError{Column: column, Message: fmt.Sprintf(format, args...)}
}

// required rejects an empty string field
func required[T any](column string, get func(*T) string) Check[T] {
	return func(rec *T, _ *Snapshot) error {
		if get(rec) == "" {
			return violation(column, "Missing %s", column)
		}
		return nil
	}
}

// notKnown rejects an identifier already present in the snapshot
func notKnown[T any](column string, get func(*T) string, known func(*Snapshot, string) bool) Check[T] {
	return func(rec *T, snap *Snapshot) error {
		if id := get(rec); known(snap, id) {
			return violation(column, "Duplicate %s: %s", column, id)
		}
		return nil
	}
}

// references rejects an identifier missing from the snapshot
func references[T any](column, entity string, get func(*T) string, known func(*Snapshot, string) bool) Check[T] {
	return func(rec *T, snap *Snapshot) error {
		if id := get(rec); !known(snap, id) {
			return violation(column, "%s not found: %s", entity, id)
		}
		return nil
	}
}

func knownPatient(s *Snapshot, id string) bool      { return s.Patients.Has(id) }
func knownDoctor(s *Snapshot, id string) bool       { return s.Doctors.Has(id) }
func knownPrescription(s *Snapshot, id string) bool { return s.Prescriptions.Has(id) }
func knownVisit(s *Snapshot, id string) bool {
	_, ok := s.Visit(id)
	return ok
}

// PatientSchema is the column layout of patient imports
func PatientSchema() *Schema[hospital.Patient] {
	id := func(p *hospital.Patient) string { return p.PatientID }

	return &Schema[hospital.Patient]{
		Kind:         hospital.KindPatient,
		HeaderMarker: "patient_id",
		IDPrefix:     "PAT",
		Columns: []Column[hospital.Patient]{
			{Name: "patient_id", Type: TypeID,
				Assign: func(p *hospital.Patient, v Value) { p.PatientID = v.Str },
				Checks: []Check[hospital.Patient]{
					required("patient_id", id),
					notKnown("patient_id", id, knownPatient),
				}},
			{Name: "full_name", Type: TypeString, Default: hospital.UnknownName,
				Assign: func(p *hospital.Patient, v Value) { p.FullName = v.Str },
				Checks: []Check[hospital.Patient]{
					func(p *hospital.Patient, _ *Snapshot) error {
						if p.FullName == "" || p.FullName == hospital.UnknownName {
							return violation("full_name", "Missing or invalid full_name")
						}
						return nil
					},
				}},
			{Name: "age", Type: TypeInt, Default: "0",
				Assign: func(p *hospital.Patient, v Value) { p.Age = v.Int },
				Checks: []Check[hospital.Patient]{
					func(p *hospital.Patient, _ *Snapshot) error {
						if p.Age <= 0 {
							return violation("age", "Invalid age: %d (must be greater than 0)", p.Age)
						}
						return nil
					},
				}},
			{Name: "gender", Type: TypeEnum, Default: hospital.GenderOther,
				Enum:   []string{hospital.GenderMale, hospital.GenderFemale, hospital.GenderOther},
				Assign: func(p *hospital.Patient, v Value) { p.Gender = v.Str }},
			{Name: "blood_group", Type: TypeString,
				Assign: func(p *hospital.Patient, v Value) { p.BloodGroup = v.Str }},
			{Name: "phone_number", Type: TypeString,
				Assign: func(p *hospital.Patient, v Value) { p.PhoneNumber = v.Str }},
			{Name: "email", Type: TypeString,
				Assign: func(p *hospital.Patient, v Value) { p.Email = v.Str }},
			{Name: "emergency_contact", Type: TypeString,
				Assign: func(p *hospital.Patient, v Value) { p.EmergencyContact = v.Str }},
			{Name: "hospital_location", Type: TypeString,
				Assign: func(p *hospital.Patient, v Value) { p.HospitalLocation = v.Str }},
			{Name: "bmi", Type: TypeFloat, Default: "0",
				Assign: func(p *hospital.Patient, v Value) { p.BMI = v.Float }},
			{Name: "smoker_status", Type: TypeBool,
				Assign: func(p *hospital.Patient, v Value) { p.SmokerStatus = v.Bool }},
			{Name: "alcohol_use", Type: TypeBool,
				Assign: func(p *hospital.Patient, v Value) { p.AlcoholUse = v.Bool }},
			{Name: "chronic_conditions", Type: TypeList,
				Assign: func(p *hospital.Patient, v Value) { p.ChronicConditions = v.List }},
			{Name: "registration_date", Type: TypeDate,
				Assign: func(p *hospital.Patient, v Value) { p.RegistrationDate = v.Str }},
			{Name: "insurance_type", Type: TypeString,
				Assign: func(p *hospital.Patient, v Value) { p.InsuranceType = v.Str }},
		},
	}
}

// VisitSchema is the column layout of visit imports
func VisitSchema() *Schema[hospital.Visit] {
	id := func(v *hospital.Visit) string { return v.VisitID }
	patient := func(v *hospital.Visit) string { return v.PatientID }
	doctor := func(v *hospital.Visit) string { return v.DoctorID }

	return &Schema[hospital.Visit]{
		Kind:         hospital.KindVisit,
		HeaderMarker: "visit_id",
		IDPrefix:     "VIS",
		Columns: []Column[hospital.Visit]{
			{Name: "visit_id", Type: TypeID,
				Assign: func(r *hospital.Visit, v Value) { r.VisitID = v.Str },
				Checks: []Check[hospital.Visit]{
					required("visit_id", id),
					notKnown("visit_id", id, knownVisit),
				}},
			{Name: "patient_id", Type: TypeString,
				Assign: func(r *hospital.Visit, v Value) { r.PatientID = v.Str },
				Checks: []Check[hospital.Visit]{
					required("patient_id", patient),
					references("patient_id", "Patient", patient, knownPatient),
				}},
			{Name: "doctor_id", Type: TypeString,
				Assign: func(r *hospital.Visit, v Value) { r.DoctorID = v.Str },
				Checks: []Check[hospital.Visit]{
					required("doctor_id", doctor),
					references("doctor_id", "Doctor", doctor, knownDoctor),
				}},
			{Name: "visit_date", Type: TypeDate,
				Assign: func(r *hospital.Visit, v Value) { r.VisitDate = v.Str }},
			{Name: "severity_score", Type: TypeInt, Default: "0",
				Assign: func(r *hospital.Visit, v Value) { r.SeverityScore = v.Int },
				Checks: []Check[hospital.Visit]{
					func(r *hospital.Visit, _ *Snapshot) error {
						if r.SeverityScore < 0 || r.SeverityScore > 5 {
							return violation("severity_score",
								"Invalid severity_score: %d (must be between 0 and 5)", r.SeverityScore)
						}
						return nil
					},
				}},
			{Name: "visit_type", Type: TypeEnum, Default: hospital.VisitOutpatient,
				Enum:   []string{hospital.VisitOutpatient, hospital.VisitInpatient},
				Assign: func(r *hospital.Visit, v Value) { r.VisitType = v.Str }},
			{Name: "length_of_stay", Type: TypeInt, Default: "0",
				Assign: func(r *hospital.Visit, v Value) { r.LengthOfStay = v.Int }},
			{Name: "lab_result_glucose", Type: TypeFloat, Default: "0",
				Assign: func(r *hospital.Visit, v Value) { r.LabResultGlucose = v.Float }},
			{Name: "lab_result_bp", Type: TypeString,
				Assign: func(r *hospital.Visit, v Value) { r.LabResultBP = v.Str }},
			{Name: "previous_visit_gap_days", Type: TypeInt, Default: "0",
				Assign: func(r *hospital.Visit, v Value) { r.PreviousVisitGapDays = v.Int }},
			{Name: "readmitted_30_days", Type: TypeBool,
				Assign: func(r *hospital.Visit, v Value) { r.Readmitted30Days = v.Bool }},
			{Name: "visit_cost", Type: TypeFloat, Default: "0",
				Assign: func(r *hospital.Visit, v Value) { r.VisitCost = v.Float }},
		},
	}
}

// PrescriptionSchema is the column layout of prescription imports.
//
// With a non-empty issuingDoctor every referenced visit must belong to that
// doctor, which is the rule applied when a doctor uploads their own file.
func PrescriptionSchema(issuingDoctor string) *Schema[hospital.Prescription] {
	id := func(p *hospital.Prescription) string { return p.PrescriptionID }
	visit := func(p *hospital.Prescription) string { return p.VisitID }

	return &Schema[hospital.Prescription]{
		Kind:         hospital.KindPrescription,
		HeaderMarker: "prescription_id",
		IDPrefix:     "RX",
		Resolve: func(p *hospital.Prescription, snap *Snapshot) {
			ref, ok := snap.Visit(p.VisitID)
			if p.PatientID == "" && ok {
				p.PatientID = ref.PatientID
			}
			if p.DoctorID == "" {
				if issuingDoctor != "" {
					p.DoctorID = issuingDoctor
				} else if ok {
					p.DoctorID = ref.DoctorID
				}
			}
		},
		Columns: []Column[hospital.Prescription]{
			{Name: "prescription_id", Type: TypeID,
				Assign: func(p *hospital.Prescription, v Value) { p.PrescriptionID = v.Str },
				Checks: []Check[hospital.Prescription]{
					required("prescription_id", id),
					notKnown("prescription_id", id, knownPrescription),
				}},
			{Name: "visit_id", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.VisitID = v.Str },
				Checks: []Check[hospital.Prescription]{
					required("visit_id", visit),
					references("visit_id", "Visit", visit, knownVisit),
					func(p *hospital.Prescription, snap *Snapshot) error {
						ref, _ := snap.Visit(p.VisitID)
						if issuingDoctor != "" && ref.DoctorID != issuingDoctor {
							return violation("visit_id", "Visit %s does not belong to doctor %s", p.VisitID, issuingDoctor)
						}
						return nil
					},
				}},
			{Name: "patient_id", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.PatientID = v.Str },
				Checks: []Check[hospital.Prescription]{
					func(p *hospital.Prescription, snap *Snapshot) error {
						if ref, _ := snap.Visit(p.VisitID); p.PatientID != ref.PatientID {
							return violation("patient_id", "Patient %s does not match visit %s", p.PatientID, p.VisitID)
						}
						return nil
					},
				}},
			{Name: "doctor_id", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.DoctorID = v.Str },
				Checks: []Check[hospital.Prescription]{
					func(p *hospital.Prescription, snap *Snapshot) error {
						if ref, _ := snap.Visit(p.VisitID); p.DoctorID != ref.DoctorID {
							return violation("doctor_id", "Doctor %s does not match visit %s", p.DoctorID, p.VisitID)
						}
						return nil
					},
				}},
			{Name: "diagnosis", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.Diagnosis = v.Str }},
			{Name: "drug_name", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.DrugName = v.Str },
				Checks: []Check[hospital.Prescription]{
					required("drug_name", func(p *hospital.Prescription) string { return p.DrugName }),
				}},
			{Name: "dosage", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.Dosage = v.Str }},
			{Name: "frequency", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.Frequency = v.Str }},
			{Name: "duration_days", Type: TypeInt, Default: "0",
				Assign: func(p *hospital.Prescription, v Value) { p.DurationDays = v.Int }},
			{Name: "quantity", Type: TypeInt, Default: "0",
				Assign: func(p *hospital.Prescription, v Value) { p.Quantity = v.Int }},
			{Name: "notes", Type: TypeString,
				Assign: func(p *hospital.Prescription, v Value) { p.Notes = v.Str }},
			{Name: "prescribed_date", Type: TypeDate,
				Assign: func(p *hospital.Prescription, v Value) { p.PrescribedDate = v.Str }},
		},
	}
}
