package export

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/drfirst/go-hms/internal/domain/hospital"
)

func TestWriteAndReadPatients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patients.parquet")
	patients := []hospital.Patient{
		{PatientID: "PAT00001", FullName: "Ann", Age: 30, Gender: hospital.GenderFemale,
			BMI: 22.5, SmokerStatus: true, ChronicConditions: []string{"Diabetes", "Asthma"},
			RegistrationDate: "2024-03-09"},
		{PatientID: "PAT00002", FullName: "Bo", Age: 41, Gender: hospital.GenderOther,
			ChronicConditions: []string{"None"}, RegistrationDate: "2024-03-09"},
	}

	n, err := WriteFile(path, patients)
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d rows, want 2", n)
	}

	got, err := ReadFile[hospital.Patient](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !reflect.DeepEqual(got, patients) {
		t.Errorf("round trip:\n got %+v\nwant %+v", got, patients)
	}
}

func TestWriterCount(t *testing.T) {
	w, err := NewWriter[hospital.Visit](filepath.Join(t.TempDir(), "visits.parquet"))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := w.Write([]hospital.Visit{{VisitID: "VIS000" + string(rune('1'+i))}}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if w.Count() != 3 {
		t.Errorf("count = %d, want 3", w.Count())
	}
}
