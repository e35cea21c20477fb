package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/drfirst/go-hms/internal/domain/hospital"
	"github.com/drfirst/go-hms/pkg/circuitbreaker"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "k"}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestPostBulk(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patients/bulk" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" || r.Header.Get("Idempotency-Key") != "key-1" {
			t.Errorf("headers = %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `[{"patient_id":"P1"}]` {
			t.Errorf("body = %s", body)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"message":"1 patients inserted successfully","count":1}`)
	})

	resp, err := c.PostBulk(context.Background(), "patients", "key-1", []byte(`[{"patient_id":"P1"}]`))
	if err != nil {
		t.Fatalf("PostBulk: %v", err)
	}
	if resp.Count == nil || *resp.Count != 1 {
		t.Errorf("count = %v", resp.Count)
	}
}

func TestPostBulkRejected(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"message":"Duplicate patient_id found","duplicates":["P1"]}`)
	})

	// Rejections are the caller's fault and must never open the circuit.
	for i := 0; i < 5; i++ {
		_, err := c.PostBulk(context.Background(), "patients", "", []byte(`[]`))
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
		if statusErr.Status != http.StatusConflict || statusErr.Message != "Duplicate patient_id found" {
			t.Errorf("status error = %+v", statusErr)
		}
		if len(statusErr.Duplicates) != 1 {
			t.Errorf("duplicates = %v", statusErr.Duplicates)
		}
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5", calls.Load())
	}
}

func TestServerErrorsOpenCircuit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `{"message":"Internal server error"}`)
	})
	ctx := context.Background()

	threshold := int(circuitbreaker.DefaultConfig("patients").FailureThreshold)
	for i := 0; i < threshold; i++ {
		if _, err := List[hospital.Patient](ctx, c, hospital.KindPatient); err == nil {
			t.Fatal("expected error")
		}
	}
	_, err := List[hospital.Patient](ctx, c, hospital.KindPatient)
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if int(calls.Load()) != threshold {
		t.Errorf("calls = %d, want %d", calls.Load(), threshold)
	}

	// Other collections keep their own breaker.
	if _, err := List[hospital.Visit](ctx, c, hospital.KindVisit); errors.Is(err, circuitbreaker.ErrOpen) {
		t.Error("visits breaker opened by patients failures")
	}
}

func TestPostBulkBypassesBreaker(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"message":"upstream unavailable"}`)
	})

	attempts := 2 * int(circuitbreaker.DefaultConfig("patients").FailureThreshold)
	for i := 0; i < attempts; i++ {
		_, err := c.PostBulk(context.Background(), "patients", "", []byte(`[]`))
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadGateway {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if int(calls.Load()) != attempts {
		t.Errorf("calls = %d, want %d", calls.Load(), attempts)
	}
	if cb, _ := c.Breakers().Get("patients"); cb.GetState() != circuitbreaker.StateClosed {
		t.Errorf("patients breaker = %s after bulk failures", cb.GetState())
	}
}

func TestList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/doctors" {
			t.Errorf("path = %s", r.URL.Path)
		}
		io.WriteString(w, `[{"doctor_id":"DOC001"},{"doctor_id":"DOC002"}]`)
	})

	docs, err := List[hospital.Doctor](context.Background(), c, hospital.KindDoctor)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(docs) != 2 || docs[1].DoctorID != "DOC002" {
		t.Errorf("docs = %+v", docs)
	}
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			io.WriteString(w, `{"token":"tok"}`)
		default:
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	c, _ := New(Config{BaseURL: srv.URL}, nil, nil)
	if err := c.Login(context.Background(), "rao", "password1"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := List[hospital.Visit](context.Background(), c, hospital.KindVisit); err != nil {
		t.Errorf("List after login: %v", err)
	}
}
