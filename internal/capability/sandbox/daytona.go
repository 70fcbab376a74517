package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
	"github.com/google/uuid"
)

const (
	defaultDaytonaAPIURL = "https://app.daytona.io/api"
	daytonaSourceHeader  = "completion-gateway"
	daytonaPollInterval  = 2 * time.Second
)

// ErrNoIsolation is returned when the python runtime is selected without a
// remote sandbox to run it in.
var ErrNoIsolation = errors.New("python runtime requires a daytona api key")

// DaytonaConfig points the python runtime at a Daytona deployment.
type DaytonaConfig struct {
	APIKey   string
	APIURL   string
	Target   string
	Snapshot string
	// AutoStop stops an idle sandbox after this long. Zero keeps the
	// server default.
	AutoStop time.Duration
}

// daytonaSession is one started remote sandbox.
type daytonaSession interface {
	WorkDir() string
	CreateFolder(ctx context.Context, dir string) error
	UploadFile(ctx context.Context, remotePath string, content []byte) error
	Execute(ctx context.Context, cwd, command string, timeout time.Duration) (output string, exitCode int, err error)
	DeleteFile(ctx context.Context, remotePath string) error
	Close(ctx context.Context) error
}

type daytonaConnector func(ctx context.Context, cfg DaytonaConfig) (daytonaSession, error)

// DaytonaRuntime runs python inside a network-isolated Daytona sandbox. One
// sandbox is created by Init and reused; each execution gets its own
// directory.
type DaytonaRuntime struct {
	cfg         DaytonaConfig
	interpreter string
	connect     daytonaConnector
	session     daytonaSession
}

// NewDaytonaRuntime creates a runtime that runs code with interpreter.
func NewDaytonaRuntime(cfg DaytonaConfig, interpreter string) *DaytonaRuntime {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &DaytonaRuntime{cfg: cfg, interpreter: interpreter, connect: startDaytonaSandbox}
}

// Init creates the remote sandbox and waits for it to start.
func (d *DaytonaRuntime) Init(ctx context.Context) error {
	session, err := d.connect(ctx, d.cfg)
	if err != nil {
		return err
	}
	d.session = session
	return nil
}

// Exec uploads code and runs it. A non-zero exit is a code failure.
func (d *DaytonaRuntime) Exec(ctx context.Context, code string) (Result, error) {
	runDir := path.Join(d.session.WorkDir(), "run-"+uuid.NewString())
	if err := d.session.CreateFolder(ctx, runDir); err != nil {
		return Result{}, err
	}
	defer d.session.DeleteFile(context.WithoutCancel(ctx), runDir)

	if err := d.session.UploadFile(ctx, path.Join(runDir, "main.py"), []byte(code)); err != nil {
		return Result{}, err
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	out, exitCode, err := d.session.Execute(ctx, runDir, d.interpreter+" main.py", timeout)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Output: out, Err: ctx.Err()}, nil
		}
		return Result{}, err
	}
	if exitCode != 0 {
		return Result{Output: out, Err: fmt.Errorf("exit status %d", exitCode)}, nil
	}
	return Result{Output: out}, nil
}

// Close deletes the remote sandbox.
func (d *DaytonaRuntime) Close(ctx context.Context) error {
	if d.session == nil {
		return nil
	}
	err := d.session.Close(ctx)
	d.session = nil
	return err
}

// =============================================================================
// Daytona API session
// =============================================================================

type daytonaAPISession struct {
	api       *apiclient.APIClient
	apiKey    string
	toolbox   *toolbox.APIClient
	sandboxID string
	workDir   string
}

func startDaytonaSandbox(ctx context.Context, cfg DaytonaConfig) (daytonaSession, error) {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = defaultDaytonaAPIURL
	}
	scheme, host, basePath, err := parseBaseURL(apiURL)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{}
	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = httpClient
	apiCfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	s := &daytonaAPISession{api: apiclient.NewAPIClient(apiCfg), apiKey: cfg.APIKey}

	createReq := apiclient.NewCreateSandbox()
	createReq.SetName("cgw-" + uuid.NewString())
	createReq.SetNetworkBlockAll(true)
	if cfg.Target != "" {
		createReq.SetTarget(cfg.Target)
	}
	if cfg.Snapshot != "" {
		createReq.SetSnapshot(cfg.Snapshot)
	}
	if cfg.AutoStop > 0 {
		createReq.SetAutoStopInterval(int32(cfg.AutoStop / time.Minute))
	}

	sb, httpResp, err := s.api.SandboxAPI.CreateSandbox(s.authCtx(ctx)).CreateSandbox(*createReq).Execute()
	if err != nil {
		return nil, fmt.Errorf("daytona create sandbox: %w", formatAPIError(err, httpResp))
	}
	s.sandboxID = sb.GetId()

	if err := s.waitStarted(ctx, sb.GetState()); err != nil {
		s.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	proxy, httpResp, err := s.api.SandboxAPI.GetToolboxProxyUrl(s.authCtx(ctx), s.sandboxID).Execute()
	if err != nil {
		s.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("daytona toolbox proxy url: %w", formatAPIError(err, httpResp))
	}
	scheme, host, basePath, err = parseBaseURL(strings.TrimRight(proxy.GetUrl(), "/") + "/" + s.sandboxID)
	if err != nil {
		s.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	tbCfg := toolbox.NewConfiguration()
	tbCfg.Host = host
	tbCfg.Scheme = scheme
	tbCfg.HTTPClient = httpClient
	tbCfg.AddDefaultHeader("Authorization", "Bearer "+cfg.APIKey)
	tbCfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	tbCfg.Servers = toolbox.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}
	s.toolbox = toolbox.NewAPIClient(tbCfg)

	s.workDir = "/home/daytona"
	if wd, _, err := s.toolbox.InfoAPI.GetWorkDir(ctx).Execute(); err == nil && wd.GetDir() != "" {
		s.workDir = wd.GetDir()
	}
	return s, nil
}

func (s *daytonaAPISession) authCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, s.apiKey)
}

func (s *daytonaAPISession) waitStarted(ctx context.Context, state apiclient.SandboxState) error {
	ticker := time.NewTicker(daytonaPollInterval)
	defer ticker.Stop()

	for {
		switch state {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("daytona sandbox failed: %s", state)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sb, httpResp, err := s.api.SandboxAPI.GetSandbox(s.authCtx(ctx), s.sandboxID).Execute()
		if err != nil {
			return fmt.Errorf("daytona sandbox status: %w", formatAPIError(err, httpResp))
		}
		state = sb.GetState()
	}
}

func (s *daytonaAPISession) WorkDir() string {
	return s.workDir
}

func (s *daytonaAPISession) CreateFolder(ctx context.Context, dir string) error {
	httpResp, err := s.toolbox.FileSystemAPI.CreateFolder(ctx).Path(dir).Mode("0755").Execute()
	if err != nil && (httpResp == nil || httpResp.StatusCode != http.StatusConflict) {
		return fmt.Errorf("daytona create folder: %w", formatAPIError(err, httpResp))
	}
	return nil
}

func (s *daytonaAPISession) UploadFile(ctx context.Context, remotePath string, content []byte) error {
	// The generated client only uploads from an *os.File.
	f, err := os.CreateTemp("", "cgw-upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	_, httpResp, err := s.toolbox.FileSystemAPI.UploadFile(ctx).Path(remotePath).File(f).Execute()
	if err != nil {
		return fmt.Errorf("daytona upload file: %w", formatAPIError(err, httpResp))
	}
	return nil
}

func (s *daytonaAPISession) Execute(ctx context.Context, cwd, command string, timeout time.Duration) (string, int, error) {
	execReq := toolbox.NewExecuteRequest(command)
	execReq.SetCwd(cwd)
	if secs := int32(timeout / time.Second); secs > 0 {
		execReq.SetTimeout(secs)
	}

	resp, httpResp, err := s.toolbox.ProcessAPI.ExecuteCommand(ctx).Request(*execReq).Execute()
	if err != nil {
		return "", 0, fmt.Errorf("daytona execute command: %w", formatAPIError(err, httpResp))
	}
	exitCode := 0
	if resp.ExitCode != nil {
		exitCode = int(*resp.ExitCode)
	}
	return resp.Result, exitCode, nil
}

func (s *daytonaAPISession) DeleteFile(ctx context.Context, remotePath string) error {
	httpResp, err := s.toolbox.FileSystemAPI.DeleteFile(ctx).Path(remotePath).Recursive(true).Execute()
	if err != nil && (httpResp == nil || httpResp.StatusCode != http.StatusNotFound) {
		return fmt.Errorf("daytona delete file: %w", formatAPIError(err, httpResp))
	}
	return nil
}

func (s *daytonaAPISession) Close(ctx context.Context) error {
	if s.sandboxID == "" {
		return nil
	}
	_, httpResp, err := s.api.SandboxAPI.DeleteSandbox(s.authCtx(ctx), s.sandboxID).Execute()
	if err != nil {
		return fmt.Errorf("daytona delete sandbox: %w", formatAPIError(err, httpResp))
	}
	return nil
}

func parseBaseURL(raw string) (scheme, host, basePath string, err error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", "", "", errors.New("empty url")
	}
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return "", "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", "", fmt.Errorf("invalid url: %s", raw)
	}
	return u.Scheme, u.Host, strings.TrimRight(u.Path, "/"), nil
}

func formatAPIError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%w (status %s)", err, resp.Status)
}
