package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSession struct {
	mu       sync.Mutex
	files    map[string]string
	folders  []string
	deleted  []string
	commands []string
	closed   bool
	run      func(ctx context.Context, code string) (string, int, error)
}

func (f *fakeSession) WorkDir() string { return "/home/daytona" }

func (f *fakeSession) CreateFolder(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, dir)
	return nil
}

func (f *fakeSession) UploadFile(ctx context.Context, remotePath string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = string(content)
	return nil
}

func (f *fakeSession) Execute(ctx context.Context, cwd, command string, timeout time.Duration) (string, int, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cwd+": "+command)
	code := f.files[cwd+"/main.py"]
	f.mu.Unlock()
	return f.run(ctx, code)
}

func (f *fakeSession) DeleteFile(ctx context.Context, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, remotePath)
	return nil
}

func (f *fakeSession) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

func newDaytonaSandbox(t *testing.T, session *fakeSession, timeout time.Duration) *Sandbox {
	t.Helper()
	cfg := Config{Runtime: RuntimePython, Timeout: timeout, Daytona: DaytonaConfig{APIKey: "dtn-key"}}
	s, err := New(cfg, WithRuntime("python_execute", func() Runtime {
		rt := NewDaytonaRuntime(cfg.Daytona, "")
		rt.connect = func(ctx context.Context, got DaytonaConfig) (daytonaSession, error) {
			if got.APIKey != "dtn-key" {
				t.Errorf("connect api key = %q", got.APIKey)
			}
			return session, nil
		}
		return rt
	}))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDaytonaRuntime(t *testing.T) {
	session := &fakeSession{files: map[string]string{}, run: func(ctx context.Context, code string) (string, int, error) {
		if strings.Contains(code, "raise") {
			return "Traceback: ValueError\n", 1, nil
		}
		return "42\n", 0, nil
	}}
	s := newDaytonaSandbox(t, session, time.Second)

	out, err := s.Run(context.Background(), "print(6 * 7)")
	if err != nil || out != "42\n" {
		t.Fatalf("Run() = %q, %v", out, err)
	}

	out, err = s.Run(context.Background(), "raise ValueError()")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out != "Error: exit status 1\nTraceback: ValueError\n" {
		t.Errorf("Run() = %q", out)
	}

	if len(session.folders) != 2 || session.folders[0] == session.folders[1] {
		t.Errorf("folders = %v, want one fresh directory per run", session.folders)
	}
	for _, dir := range session.folders {
		if !strings.HasPrefix(dir, "/home/daytona/run-") {
			t.Errorf("run dir = %q", dir)
		}
	}
	if strings.Join(session.deleted, ",") != strings.Join(session.folders, ",") {
		t.Errorf("deleted = %v, want %v", session.deleted, session.folders)
	}
	if !strings.HasSuffix(session.commands[0], ": python3 main.py") {
		t.Errorf("command = %q", session.commands[0])
	}

	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !session.closed {
		t.Error("remote sandbox not deleted on close")
	}
}

func TestDaytonaRuntime_Timeout(t *testing.T) {
	session := &fakeSession{files: map[string]string{}, run: func(ctx context.Context, code string) (string, int, error) {
		<-ctx.Done()
		return "", 0, ctx.Err()
	}}
	s := newDaytonaSandbox(t, session, 20*time.Millisecond)

	out, err := s.Run(context.Background(), "while True: pass")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(out, "Error: execution timed out") {
		t.Errorf("Run() = %q", out)
	}
	if !session.closed {
		t.Error("timed out sandbox was kept")
	}
}

func TestDaytonaRuntime_TransportFailure(t *testing.T) {
	session := &fakeSession{files: map[string]string{}, run: func(ctx context.Context, code string) (string, int, error) {
		return "", 0, errors.New("daytona execute command: connection refused")
	}}
	s := newDaytonaSandbox(t, session, time.Second)

	if _, err := s.Run(context.Background(), "print(1)"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseBaseURL(t *testing.T) {
	tests := []struct {
		raw, scheme, host, path string
		wantErr                 bool
	}{
		{raw: "https://app.daytona.io/api", scheme: "https", host: "app.daytona.io", path: "/api"},
		{raw: "daytona.internal:3000/", scheme: "https", host: "daytona.internal:3000", path: ""},
		{raw: "http://proxy/toolbox/abc", scheme: "http", host: "proxy", path: "/toolbox/abc"},
		{raw: " ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			scheme, host, path, err := parseBaseURL(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if scheme != tt.scheme || host != tt.host || path != tt.path {
				t.Errorf("parseBaseURL() = %q %q %q", scheme, host, path)
			}
		})
	}
}
