package httpclient

import (
	"strings"
	"testing"
)

func TestReadAllWithLimit(t *testing.T) {
	data, err := ReadAllWithLimit(strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected data: %q", data)
	}

	_, err = ReadAllWithLimit(strings.NewReader("hello world"), 5)
	if !IsResponseTooLarge(err) {
		t.Fatalf("expected response-too-large, got %v", err)
	}
}

func TestReadAllWithoutLimit(t *testing.T) {
	data, err := ReadAllWithLimit(strings.NewReader("unbounded"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "unbounded" {
		t.Fatalf("unexpected data: %q", data)
	}
}
