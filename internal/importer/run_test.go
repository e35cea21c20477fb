package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-hms/internal/client"
	"github.com/drfirst/go-hms/internal/csvimport"
	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/internal/mirror"
	"github.com/drfirst/go-hms/internal/upload"
)

type countingPoster struct {
	calls  int
	failAt map[int]error
}

func (p *countingPoster) PostBulk(_ context.Context, _, _ string, body []byte) (*client.BulkResponse, error) {
	call := p.calls
	p.calls++
	if err, ok := p.failAt[call]; ok {
		return nil, err
	}
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, err
	}
	n := len(records)
	return &client.BulkResponse{Count: &n}, nil
}

func clock() time.Time { return time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC) }

func patientCSV(n int, from int) []byte {
	var b strings.Builder
	b.WriteString("patient_id,full_name,age\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "PAT%05d,Patient %d,%d\n", from+i, i, 20+i%50)
	}
	return []byte(b.String())
}

func transitions(states *[]State) func(from, to State) {
	return func(_, to State) { *states = append(*states, to) }
}

func TestExecuteUploadsAndMerges(t *testing.T) {
	store := mirror.New()
	store.ReplacePatients([]hospital.Patient{{PatientID: "PAT00001"}})

	var states []State
	poster := &countingPoster{}
	run := NewRun(csvimport.PatientSchema(), poster, store, Config{
		Upload:       upload.Config{ChunkSize: 500},
		Now:          clock,
		OnTransition: transitions(&states),
	}, nil)

	// PAT00001 is already known, so 1199 of 1200 rows are accepted.
	report, err := run.Execute(context.Background(), "patients.csv", patientCSV(1200, 1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if report.Summary != (csvimport.Summary{Total: 1200, Valid: 1199, Invalid: 1}) {
		t.Errorf("summary = %+v", report.Summary)
	}
	if len(report.Errors) != 1 || report.Errors[0].Row != 2 || report.Errors[0].Message != "Duplicate patient_id: PAT00001" {
		t.Errorf("errors = %+v", report.Errors)
	}
	if poster.calls != 3 || report.Chunks != 3 || report.Saved != 1199 {
		t.Errorf("calls = %d, report = %+v", poster.calls, report)
	}
	if run.State() != Done || run.Saved() != 1199 {
		t.Errorf("state = %v, saved = %d", run.State(), run.Saved())
	}
	if want := []State{Parsing, Validated, Uploading, Done}; fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", states, want)
	}
	if n := store.Counts()[hospital.KindPatient]; n != 1200 {
		t.Errorf("mirror holds %d patients, want 1200", n)
	}
}

func TestExecuteNothingValid(t *testing.T) {
	var states []State
	poster := &countingPoster{}
	run := NewRun(csvimport.PatientSchema(), poster, nil, Config{Now: clock, OnTransition: transitions(&states)}, nil)

	report, err := run.Execute(context.Background(), "patients.csv", []byte("PAT00001,,0\nPAT00002,Unknown,3\n"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if poster.calls != 0 {
		t.Errorf("upload calls = %d, want 0", poster.calls)
	}
	if report.Summary.Invalid != 2 || report.Saved != 0 || run.State() != Done {
		t.Errorf("report = %+v, state = %v", report, run.State())
	}
	if want := []State{Parsing, Validated, Done}; fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", states, want)
	}
}

func TestExecuteFileErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
		want error
	}{
		{"wrong extension", "patients.xlsx", "PAT00001,Ann,30", csvimport.ErrNotCSV},
		{"empty", "patients.csv", " \n\n", csvimport.ErrEmptyFile},
		{"binary", "patients.csv", "\xff\xfe\x00", csvimport.ErrNotText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var states []State
			poster := &countingPoster{}
			run := NewRun(csvimport.PatientSchema(), poster, nil, Config{OnTransition: transitions(&states)}, nil)

			report, err := run.Execute(context.Background(), tt.file, []byte(tt.data))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if report != nil {
				t.Error("file error must not produce a partial report")
			}
			if run.State() != Failed || !errors.Is(run.Err(), tt.want) {
				t.Errorf("state = %v, err = %v", run.State(), run.Err())
			}
			if want := []State{Parsing, Failed}; fmt.Sprint(states) != fmt.Sprint(want) {
				t.Errorf("transitions = %v", states)
			}
			if poster.calls != 0 {
				t.Error("upload attempted after a file error")
			}
		})
	}
}

func TestExecuteStopOnError(t *testing.T) {
	store := mirror.New()
	poster := &countingPoster{failAt: map[int]error{
		1: &client.StatusError{Status: http.StatusConflict, Message: "Duplicate patient_id found"},
	}}
	run := NewRun(csvimport.PatientSchema(), poster, store, Config{
		Upload: upload.Config{ChunkSize: 10, Policy: upload.StopOnError},
		Now:    clock,
	}, nil)

	report, err := run.Execute(context.Background(), "patients.csv", patientCSV(25, 1))
	if err == nil || !strings.Contains(err.Error(), "Duplicate patient_id found") {
		t.Fatalf("err = %v", err)
	}
	if run.State() != Failed {
		t.Errorf("state = %v, want failed", run.State())
	}
	if report == nil || report.Saved != 10 || len(report.Failures) != 1 || report.Failures[0].Chunk != 2 {
		t.Fatalf("report = %+v", report)
	}
	if poster.calls != 2 {
		t.Errorf("calls = %d, want 2", poster.calls)
	}
	if n := store.Counts()[hospital.KindPatient]; n != 10 {
		t.Errorf("mirror holds %d patients, want only the first chunk", n)
	}
}

func TestExecuteContinueOnError(t *testing.T) {
	store := mirror.New()
	poster := &countingPoster{failAt: map[int]error{0: errors.New("connection reset")}}
	run := NewRun(csvimport.PatientSchema(), poster, store, Config{
		Upload: upload.Config{ChunkSize: 10, Policy: upload.ContinueOnError},
		Now:    clock,
	}, nil)

	report, err := run.Execute(context.Background(), "patients.csv", patientCSV(25, 1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Saved != 15 || len(report.Failures) != 1 || run.State() != Done {
		t.Errorf("report = %+v, state = %v", report, run.State())
	}
	if _, ok := store.Patient("PAT00001"); ok {
		t.Error("record of the failed chunk merged into the mirror")
	}
	if _, ok := store.Patient("PAT00025"); !ok {
		t.Error("record of an accepted chunk missing from the mirror")
	}
}

func TestExecuteDryRun(t *testing.T) {
	poster := &countingPoster{}
	run := NewRun(csvimport.PatientSchema(), poster, nil, Config{DryRun: true, Now: clock}, nil)
	report, err := run.Execute(context.Background(), "patients.CSV", patientCSV(3, 1))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if poster.calls != 0 || report.Summary.Valid != 3 || len(report.Accepted) != 3 {
		t.Errorf("calls = %d, report = %+v", poster.calls, report)
	}
}

func TestExecuteOnce(t *testing.T) {
	run := NewRun(csvimport.PatientSchema(), &countingPoster{}, nil, Config{DryRun: true}, nil)
	if _, err := run.Execute(context.Background(), "a.csv", patientCSV(1, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := run.Execute(context.Background(), "a.csv", patientCSV(1, 1)); !errors.Is(err, ErrStarted) {
		t.Errorf("err = %v, want ErrStarted", err)
	}
}
