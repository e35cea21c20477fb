package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
	fail    bool
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail {
		return nil, errors.New("access denied")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func newFake() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func TestRun(t *testing.T) {
	s3fake := newFake()
	a := NewWithClient(s3fake, "hms-imports", "imports/", nil)
	a.now = func() time.Time { return time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC) }

	keys, err := a.Run(context.Background(), "run-1", "/tmp/data/patients.csv", []byte("PAT00001,Ann,30\n"),
		map[string]int{"saved": 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"imports/2024/03/09/run-1/patients.csv", "imports/2024/03/09/run-1/patients.report.json"}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	if string(s3fake.objects["hms-imports/"+want[0]]) != "PAT00001,Ann,30\n" {
		t.Error("source not archived")
	}
	if s3fake.types[want[1]] != "application/json" {
		t.Errorf("report content type = %q", s3fake.types[want[1]])
	}
}

func TestRunError(t *testing.T) {
	a := NewWithClient(&fakeS3{fail: true}, "b", "", nil)
	if _, err := a.Run(context.Background(), "r", "x.csv", nil, nil); err == nil {
		t.Error("expected error")
	}
}
