// Package hospital defines the documents stored by the hospital management service.
package hospital

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a document collection
type Kind string

const (
	KindPatient      Kind = "patients"
	KindDoctor       Kind = "doctors"
	KindVisit        Kind = "visits"
	KindPrescription Kind = "prescriptions"
	KindUser         Kind = "users"
)

// Kinds lists the document collections in load order
var Kinds = []Kind{KindPatient, KindDoctor, KindVisit, KindPrescription}

// ParseKind accepts a collection name in singular or plural form
func ParseKind(s string) (Kind, error) {
	switch s {
	case "patient", "patients":
		return KindPatient, nil
	case "doctor", "doctors":
		return KindDoctor, nil
	case "visit", "visits":
		return KindVisit, nil
	case "prescription", "prescriptions":
		return KindPrescription, nil
	case "user", "users":
		return KindUser, nil
	}
	return "", fmt.Errorf("unknown collection: %q", s)
}

// Singular returns the name of one document of the collection
func (k Kind) Singular() string {
	return strings.TrimSuffix(string(k), "s")
}

// IDField returns the JSON name of the collection's identifier
func (k Kind) IDField() string {
	return k.Singular() + "_id"
}

// Document is implemented by every stored entity
type Document interface {
	DocumentID() string
	// OwnerID is the doctor owning the document, empty when unowned
	OwnerID() string
}

// ErrMissingID is returned when a document has no identifier
var ErrMissingID = errors.New("missing identifier")

// DateLayout is the calendar date format used in CSV files and documents
const DateLayout = "2006-01-02"

// Today formats the current date in DateLayout
func Today(now time.Time) string {
	return now.Format(DateLayout)
}

// Gender values
const (
	GenderMale   = "Male"
	GenderFemale = "Female"
	GenderOther  = "Other"
)

// Visit types
const (
	VisitOutpatient = "OP"
	VisitInpatient  = "IP"
)

// UnknownName marks a patient whose name was not supplied
const UnknownName = "Unknown"

// Patient is a registered patient
type Patient struct {
	PatientID         string   `json:"patient_id" parquet:"patient_id"`
	FullName          string   `json:"full_name" parquet:"full_name"`
	Age               int      `json:"age" parquet:"age"`
	Gender            string   `json:"gender" parquet:"gender"`
	BloodGroup        string   `json:"blood_group" parquet:"blood_group"`
	PhoneNumber       string   `json:"phone_number" parquet:"phone_number"`
	Email             string   `json:"email" parquet:"email"`
	EmergencyContact  string   `json:"emergency_contact" parquet:"emergency_contact"`
	HospitalLocation  string   `json:"hospital_location" parquet:"hospital_location"`
	BMI               float64  `json:"bmi" parquet:"bmi"`
	SmokerStatus      bool     `json:"smoker_status" parquet:"smoker_status"`
	AlcoholUse        bool     `json:"alcohol_use" parquet:"alcohol_use"`
	ChronicConditions []string `json:"chronic_conditions" parquet:"chronic_conditions,list"`
	RegistrationDate  string   `json:"registration_date" parquet:"registration_date"`
	InsuranceType     string   `json:"insurance_type" parquet:"insurance_type"`
}

func (p Patient) DocumentID() string { return p.PatientID }
func (p Patient) OwnerID() string    { return "" }

// Doctor is a practitioner who owns visits and prescriptions
type Doctor struct {
	DoctorID         string `json:"doctor_id"`
	FullName         string `json:"full_name"`
	Specialization   string `json:"specialization"`
	PhoneNumber      string `json:"phone_number"`
	Email            string `json:"email"`
	YearsExperience  int    `json:"years_experience"`
	HospitalLocation string `json:"hospital_location"`
}

func (d Doctor) DocumentID() string { return d.DoctorID }
func (d Doctor) OwnerID() string    { return d.DoctorID }

// Visit is a patient encounter with a doctor
type Visit struct {
	VisitID              string  `json:"visit_id" parquet:"visit_id"`
	PatientID            string  `json:"patient_id" parquet:"patient_id"`
	DoctorID             string  `json:"doctor_id" parquet:"doctor_id"`
	VisitDate            string  `json:"visit_date" parquet:"visit_date"`
	SeverityScore        int     `json:"severity_score" parquet:"severity_score"`
	VisitType            string  `json:"visit_type" parquet:"visit_type"`
	LengthOfStay         int     `json:"length_of_stay" parquet:"length_of_stay"`
	LabResultGlucose     float64 `json:"lab_result_glucose" parquet:"lab_result_glucose"`
	LabResultBP          string  `json:"lab_result_bp" parquet:"lab_result_bp"`
	PreviousVisitGapDays int     `json:"previous_visit_gap_days" parquet:"previous_visit_gap_days"`
	Readmitted30Days     bool    `json:"readmitted_30_days" parquet:"readmitted_30_days"`
	VisitCost            float64 `json:"visit_cost" parquet:"visit_cost"`
}

func (v Visit) DocumentID() string { return v.VisitID }
func (v Visit) OwnerID() string    { return v.DoctorID }

// Prescription is a drug order issued during a visit
type Prescription struct {
	PrescriptionID string `json:"prescription_id" parquet:"prescription_id"`
	VisitID        string `json:"visit_id" parquet:"visit_id"`
	PatientID      string `json:"patient_id" parquet:"patient_id"`
	DoctorID       string `json:"doctor_id" parquet:"doctor_id"`
	Diagnosis      string `json:"diagnosis" parquet:"diagnosis"`
	DrugName       string `json:"drug_name" parquet:"drug_name"`
	Dosage         string `json:"dosage" parquet:"dosage"`
	Frequency      string `json:"frequency" parquet:"frequency"`
	DurationDays   int    `json:"duration_days" parquet:"duration_days"`
	Quantity       int    `json:"quantity" parquet:"quantity"`
	Notes          string `json:"notes" parquet:"notes"`
	PrescribedDate string `json:"prescribed_date" parquet:"prescribed_date"`
}

func (p Prescription) DocumentID() string { return p.PrescriptionID }
func (p Prescription) OwnerID() string    { return p.DoctorID }

// Role is a user's access level
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleDoctor Role = "doctor"
	RoleStaff  Role = "staff"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleDoctor || r == RoleStaff
}

// User is an account able to sign in to the service
type User struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	DoctorID     string    `json:"doctor_id,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (u User) DocumentID() string { return u.UserID }
func (u User) OwnerID() string    { return u.DoctorID }
