package spawn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smazurov/devcore/internal/device"
)

func TestSpawnKillsOnTimeout(t *testing.T) {
	job := Job{
		Cmdline:     "/bin/sleep 5",
		TimeoutKill: 100 * time.Millisecond,
		EventBirth:  time.Now(),
	}
	dev := device.New("/devices/virtual/x", nil, nil)

	start := time.Now()
	_, err := Spawn(context.Background(), job, dev, nil)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrKilled) {
		t.Fatalf("err = %v, want ErrKilled", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("spawn took %s, expected kill within 2s of a 100ms kill timeout", elapsed)
	}
}

func TestSpawnCapturesResult(t *testing.T) {
	job := Job{
		Cmdline:        "/bin/echo hello",
		TimeoutKill:    2 * time.Second,
		EventBirth:     time.Now(),
		ResultCapacity: 16,
	}
	dev := device.New("/devices/virtual/x", nil, nil)

	var result Result
	code, err := Spawn(context.Background(), job, dev, &result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
	if got := string(result.Result); got != "hello\n" {
		t.Errorf("result = %q, want %q", got, "hello\n")
	}
	if len(result.Result) >= job.ResultCapacity {
		t.Errorf("result length %d >= capacity %d", len(result.Result), job.ResultCapacity)
	}
}

func TestSpawnAcceptFailure(t *testing.T) {
	job := Job{
		Cmdline:       "/bin/false",
		TimeoutKill:   2 * time.Second,
		EventBirth:    time.Now(),
		AcceptFailure: true,
	}
	dev := device.New("/devices/virtual/x", nil, nil)

	code, err := Spawn(context.Background(), job, dev, nil)
	if err != nil {
		t.Fatalf("accept_failure should swallow the error, got %v", err)
	}
	if code != 1 {
		t.Errorf("code = %d, want 1", code)
	}
}

func TestSpawnRejectsFailureByDefault(t *testing.T) {
	job := Job{
		Cmdline:     "/bin/false",
		TimeoutKill: 2 * time.Second,
		EventBirth:  time.Now(),
	}
	dev := device.New("/devices/virtual/x", nil, nil)

	_, err := Spawn(context.Background(), job, dev, nil)
	if !errors.Is(err, ErrChildFailed) {
		t.Fatalf("err = %v, want ErrChildFailed", err)
	}
}

func TestTokenizeRelaxedQuoting(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`/bin/echo hello world`, []string{"/bin/echo", "hello", "world"}},
		{`/bin/echo "hello world"`, []string{"/bin/echo", "hello world"}},
		{`/bin/echo 'unterminated`, []string{"/bin/echo", "unterminated"}},
		{`/bin/echo a\ b`, []string{"/bin/echo", "a b"}},
	}
	for _, c := range cases {
		got, err := tokenize(c.in)
		if err != nil {
			t.Fatalf("tokenize(%q) error: %v", c.in, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("tokenize(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}
