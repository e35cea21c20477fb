package csvimport

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-hms/internal/domain/hospital"
)

func fixedClock() Options {
	return Options{Now: func() time.Time { return fixedNow }}
}

func testSnapshot() *Snapshot {
	return &Snapshot{
		Patients:      NewIDSet("PAT00001", "PAT00002"),
		Doctors:       NewIDSet("DOC001", "DOC002"),
		Prescriptions: NewIDSet("RX0001"),
		Visits: map[string]VisitRef{
			"VIS0001": {PatientID: "PAT00001", DoctorID: "DOC001"},
			"VIS0002": {PatientID: "PAT00002", DoctorID: "DOC002"},
		},
	}
}

func TestPatientValidation(t *testing.T) {
	tests := []struct {
		name string
		row  string
		want string
	}{
		{"duplicate identifier", "PAT00001,Ann,30", "Duplicate patient_id: PAT00001"},
		{"missing name", "PAT00010,,30", "Missing or invalid full_name"},
		{"unknown sentinel", "PAT00010,Unknown,30", "Missing or invalid full_name"},
		{"zero age", "PAT00010,Ann,0", "Invalid age: 0 (must be greater than 0)"},
		{"non numeric age", "PAT00010,Ann,abc", "Invalid age: 0 (must be greater than 0)"},
		{"negative age", "PAT00010,Ann,-3", "Invalid age: -3 (must be greater than 0)"},
		{"first failing rule wins", "PAT00001,,0", "Duplicate patient_id: PAT00001"},
		{"accepted", "PAT00010,Ann,30", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Process(tt.row, PatientSchema(), testSnapshot(), fixedClock())
			if tt.want == "" {
				if len(out.Errors) != 0 {
					t.Fatalf("unexpected errors: %+v", out.Errors)
				}
				return
			}
			if len(out.Errors) != 1 {
				t.Fatalf("errors = %+v, want one", out.Errors)
			}
			if out.Errors[0].Message != tt.want {
				t.Errorf("message = %q, want %q", out.Errors[0].Message, tt.want)
			}
		})
	}
}

func TestVisitValidation(t *testing.T) {
	tests := []struct {
		name string
		row  string
		want string
	}{
		{"duplicate identifier", "VIS0001,PAT00001,DOC001,2024-01-01,2", "Duplicate visit_id: VIS0001"},
		{"missing patient", "VIS0100,,DOC001,2024-01-01,2", "Missing patient_id"},
		{"dangling patient", "VIS0100,PAT999,DOC001,2024-01-01,2", "Patient not found: PAT999"},
		{"missing doctor", "VIS0100,PAT00001,,2024-01-01,2", "Missing doctor_id"},
		{"dangling doctor", "VIS0100,PAT00001,DOC404,2024-01-01,2", "Doctor not found: DOC404"},
		{"severity above range", "VIS0100,PAT00001,DOC001,2024-01-01,7", "Invalid severity_score: 7 (must be between 0 and 5)"},
		{"severity below range", "VIS0100,PAT00001,DOC001,2024-01-01,-1", "Invalid severity_score: -1 (must be between 0 and 5)"},
		{"severity bounds", "VIS0100,PAT00001,DOC001,2024-01-01,5", ""},
		{"accepted", "VIS0100,PAT00002,DOC002,2024-01-01,0,IP,3,101.5,120/80,30,true,250.75", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Process(tt.row, VisitSchema(), testSnapshot(), fixedClock())
			if tt.want == "" {
				if out.Summary.Valid != 1 {
					t.Fatalf("unexpected errors: %+v", out.Errors)
				}
				return
			}
			if len(out.Errors) != 1 || out.Errors[0].Message != tt.want {
				t.Fatalf("errors = %+v, want %q", out.Errors, tt.want)
			}
		})
	}
}

func TestPrescriptionValidation(t *testing.T) {
	tests := []struct {
		name   string
		doctor string
		row    string
		want   string
	}{
		{"duplicate identifier", "", "RX0001,VIS0001,,,Flu,Tamiflu", "Duplicate prescription_id: RX0001"},
		{"missing visit", "", "RX0100,,,,Flu,Tamiflu", "Missing visit_id"},
		{"dangling visit", "", "RX0100,VIS404,,,Flu,Tamiflu", "Visit not found: VIS404"},
		{"foreign visit", "DOC002", "RX0100,VIS0001,,,Flu,Tamiflu", "Visit VIS0001 does not belong to doctor DOC002"},
		{"patient mismatch", "", "RX0100,VIS0001,PAT00002,,Flu,Tamiflu", "Patient PAT00002 does not match visit VIS0001"},
		{"doctor mismatch", "", "RX0100,VIS0001,,DOC002,Flu,Tamiflu", "Doctor DOC002 does not match visit VIS0001"},
		{"missing drug", "", "RX0100,VIS0001,,,Flu,", "Missing drug_name"},
		{"own visit", "DOC001", "RX0100,VIS0001,,,Flu,Tamiflu,75mg,BID,5,10", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Process(tt.row, PrescriptionSchema(tt.doctor), testSnapshot(), fixedClock())
			if tt.want == "" {
				if out.Summary.Valid != 1 {
					t.Fatalf("unexpected errors: %+v", out.Errors)
				}
				return
			}
			if len(out.Errors) != 1 || out.Errors[0].Message != tt.want {
				t.Fatalf("errors = %+v, want %q", out.Errors, tt.want)
			}
		})
	}
}

func TestPrescriptionResolvesOwnership(t *testing.T) {
	out := Process("RX0100,VIS0002,,,Cough,Syrup", PrescriptionSchema(""), testSnapshot(), fixedClock())
	if len(out.Valid) != 1 {
		t.Fatalf("errors = %+v", out.Errors)
	}
	rx := out.Valid[0]
	if rx.PatientID != "PAT00002" || rx.DoctorID != "DOC002" {
		t.Errorf("resolved patient/doctor = %s/%s, want PAT00002/DOC002", rx.PatientID, rx.DoctorID)
	}
	if rx.PrescribedDate != "2024-03-09" {
		t.Errorf("prescribed_date = %q, want today", rx.PrescribedDate)
	}
}

func TestProcessSummary(t *testing.T) {
	text := strings.Join([]string{
		"patient_id,full_name,age",
		"PAT00010,Ann,30",
		"PAT00001,Bob,40",
		"",
		"PAT00011,Cy,22",
		"PAT00012,,22",
	}, "\n")

	out := Process(text, PatientSchema(), testSnapshot(), fixedClock())

	want := Summary{Total: 4, Valid: 2, Invalid: 2}
	if out.Summary != want {
		t.Fatalf("summary = %+v, want %+v", out.Summary, want)
	}
	if out.Summary.Valid+out.Summary.Invalid != out.Summary.Total {
		t.Error("valid + invalid != total")
	}

	wantErrors := []RowError{
		{Row: 3, Message: "Duplicate patient_id: PAT00001"},
		{Row: 5, Message: "Missing or invalid full_name"},
	}
	if !reflect.DeepEqual(out.Errors, wantErrors) {
		t.Errorf("errors = %+v, want %+v", out.Errors, wantErrors)
	}
	if out.Valid[0].PatientID != "PAT00010" || out.Valid[1].PatientID != "PAT00011" {
		t.Errorf("valid records out of order: %+v", out.Valid)
	}
}

func TestProcessAllInvalid(t *testing.T) {
	text := "PAT00001,A,1\nPAT00002,B,2\nPAT00003,,3\nPAT00004,D,0\nPAT00005,Unknown,5"

	out := Process(text, PatientSchema(), testSnapshot(), fixedClock())

	if out.Summary != (Summary{Total: 5, Valid: 0, Invalid: 5}) {
		t.Fatalf("summary = %+v", out.Summary)
	}
	seen := make(map[int]bool)
	for _, e := range out.Errors {
		if seen[e.Row] {
			t.Errorf("row %d reported twice", e.Row)
		}
		seen[e.Row] = true
	}
}

func TestProcessIsDeterministic(t *testing.T) {
	text := "patient_id\n,Ann,30\nPAT00020,Bo,41,Male,,,,,,,,,\"\"\"Diabetes;Asthma\"\"\"\n"

	a := Process(text, PatientSchema(), testSnapshot(), fixedClock())
	b := Process(text, PatientSchema(), testSnapshot(), fixedClock())

	if !reflect.DeepEqual(a, b) {
		t.Fatalf("results differ:\n%+v\n%+v", a, b)
	}
	if got := a.Valid[1].ChronicConditions; !reflect.DeepEqual(got, []string{"Diabetes", "Asthma"}) {
		t.Errorf("chronic_conditions = %q", got)
	}
}

func TestProcessNilSnapshot(t *testing.T) {
	out := Process("VIS1,PAT1,DOC1", VisitSchema(), nil, fixedClock())
	if len(out.Errors) != 1 || out.Errors[0].Message != "Patient not found: PAT1" {
		t.Fatalf("errors = %+v", out.Errors)
	}
}

func TestProcessRecoversPanics(t *testing.T) {
	schema := PatientSchema()
	schema.Resolve = func(p *hospital.Patient, _ *Snapshot) {
		if p.PatientID == "BOOM" {
			panic("unexpected value")
		}
	}

	out := Process("BOOM,Ann,30\nPAT00030,Bo,30", schema, testSnapshot(), fixedClock())

	if out.Summary != (Summary{Total: 2, Valid: 1, Invalid: 1}) {
		t.Fatalf("summary = %+v", out.Summary)
	}
	if out.Errors[0].Row != 1 || !strings.Contains(out.Errors[0].Message, "unexpected value") {
		t.Errorf("error = %+v", out.Errors[0])
	}
}

func TestValidateReturnsRuleError(t *testing.T) {
	p := hospital.Patient{PatientID: "PAT00010", FullName: "Ann", Age: -1}

	err := PatientSchema().Validate(&p, testSnapshot())

	var ruleErr *RuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("err = %v, want *RuleError", err)
	}
	if ruleErr.Column != "age" {
		t.Errorf("column = %q, want age", ruleErr.Column)
	}
}

func TestRowCountMatchesDataRows(t *testing.T) {
	for n := 0; n < 5; n++ {
		var b strings.Builder
		b.WriteString("visit_id,patient_id\n")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&b, "VIS9%d,PAT00001,DOC001\n", i)
		}
		out := Process(b.String(), VisitSchema(), testSnapshot(), fixedClock())
		if out.Summary.Total != n {
			t.Errorf("n=%d: total = %d", n, out.Summary.Total)
		}
	}
}
