package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"superd/internal/executor"
	"superd/internal/executor/executortest"
	"superd/internal/fault"
	"superd/internal/host"
	"superd/internal/provision"
	"superd/internal/sandbox"
	"superd/pkg/protocol"
)

const (
	testNginxStub = "server {\n    server_name {{DOMAIN}} {{ALIASES}};\n    root {{ROOT}};\n}\n"
	testPoolStub  = "[{{USER}}]\nlisten = /run/php/php{{PHP_VERSION}}-fpm-{{USER}}.sock\n"
)

type fixture struct {
	srv    *Server
	socket string
	runner *executortest.FakeRunner
	layout provision.Layout
	home   string
}

// fileOps performs the workflow's mv/ln/rm/mkdir against the real
// filesystem. fail makes a command exit 1.
func fileOps(fail func(executor.Command) bool) func(executor.Command) *executor.Result {
	return func(c executor.Command) *executor.Result {
		if fail != nil && fail(c) {
			return &executor.Result{ExitCode: 1, Stderr: "operation not permitted"}
		}
		var err error
		switch c.Name {
		case "mv":
			err = os.Rename(c.Args[0], c.Args[1])
		case "ln":
			os.Remove(c.Args[2])
			err = os.Symlink(c.Args[1], c.Args[2])
		case "rm":
			if rmErr := os.Remove(c.Args[1]); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = rmErr
			}
		case "mkdir":
			err = os.MkdirAll(c.Args[1], 0755)
		default:
			return nil
		}
		if err != nil {
			return &executor.Result{ExitCode: 1, Stderr: err.Error()}
		}
		return &executor.Result{}
	}
}

// tempSocketPath returns a socket path short enough for sun_path.
func tempSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "superd")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never came up", path)
}

func newFixture(t *testing.T, configure func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	layout := provision.Layout{
		TemplatesDir:      filepath.Join(dir, "templates"),
		TempDir:           filepath.Join(dir, "tmp"),
		NginxAvailableDir: filepath.Join(dir, "sites-available"),
		NginxEnabledDir:   filepath.Join(dir, "sites-enabled"),
		PHPRoot:           filepath.Join(dir, "php"),
		WebService:        "nginx",
		PHPService:        "php8.4-fpm",
	}
	home := filepath.Join(dir, "home")
	for _, d := range []string{layout.TemplatesDir, layout.TempDir, layout.NginxAvailableDir, layout.NginxEnabledDir, layout.PoolDir("8.4"), home} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(layout.TemplatesDir, provision.NginxTemplate), []byte(testNginxStub), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := os.WriteFile(filepath.Join(layout.TemplatesDir, provision.PoolTemplate), []byte(testPoolStub), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	cfg := DefaultConfig()
	cfg.SocketPath = tempSocketPath(t)
	cfg.AuditLog = filepath.Join(dir, "audit.log")
	cfg.Layout = layout
	cfg.Sandbox.Root = home
	if configure != nil {
		configure(cfg)
	}

	runner := executortest.New()
	runner.SetHandler(fileOps(nil))

	fs := afero.NewOsFs()
	h := host.New(host.Config{
		Runner:  runner,
		FS:      fs,
		Sandbox: sandbox.New(home),
		Paths: host.Paths{
			Backups:   filepath.Join(dir, "backups"),
			Databases: filepath.Join(dir, "databases"),
			FTPUsers:  filepath.Join(dir, "ftp"),
			Cron:      filepath.Join(dir, "cron"),
			DNS:       filepath.Join(dir, "dns"),
			Mail:      filepath.Join(dir, "mail"),
		},
	})
	p := provision.New(provision.Config{Runner: runner, FS: fs, Layout: layout})

	srv, err := NewServer(Options{Config: cfg, Host: h, Provisioner: p})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	t.Cleanup(func() {
		srv.Shutdown()
		if err := <-errCh; err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	})
	waitForSocket(t, cfg.SocketPath)

	return &fixture{srv: srv, socket: cfg.SocketPath, runner: runner, layout: layout, home: home}
}

// roundTrip writes one raw line and returns the raw response line, or ""
// when the daemon closed the connection without answering.
func (f *fixture) roundTrip(t *testing.T, line string) string {
	t.Helper()
	conn, err := net.Dial("unix", f.socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := fmt.Fprintln(conn, line); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && resp == "" {
		return ""
	}
	return strings.TrimSpace(resp)
}

func (f *fixture) call(t *testing.T, method string, params any) *protocol.Response {
	t.Helper()
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	line := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s,"id":1}`, method, data)
	raw := f.roundTrip(t, line)
	if raw == "" {
		t.Fatalf("%s: no response", method)
	}
	var resp protocol.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("%s: bad response %q: %v", method, raw, err)
	}
	return &resp
}

func wantError(t *testing.T, resp *protocol.Response, contains string) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected error containing %q, got result %s", contains, resp.Result)
	}
	if resp.Error.Code != protocol.CodeApplication {
		t.Errorf("code = %d, want %d", resp.Error.Code, protocol.CodeApplication)
	}
	if !strings.Contains(strings.ToLower(resp.Error.Message), strings.ToLower(contains)) {
		t.Errorf("message = %q, want it to contain %q", resp.Error.Message, contains)
	}
	if resp.Result != nil {
		t.Errorf("error response must not carry a result: %s", resp.Result)
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil)

	raw := f.roundTrip(t, `{"jsonrpc":"2.0","method":"ping","params":{},"id":"abc"}`)
	want := `{"jsonrpc":"2.0","result":"pong","id":"abc"}`
	if raw != want {
		t.Errorf("response:\n got %s\nwant %s", raw, want)
	}
}

func TestIDEcho(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		line string
		want string
	}{
		{"number", `{"jsonrpc":"2.0","method":"ping","id":7}`, `7`},
		{"string", `{"jsonrpc":"2.0","method":"ping","id":"x-1"}`, `"x-1"`},
		{"object", `{"jsonrpc":"2.0","method":"ping","id":{"a":1}}`, `{"a":1}`},
		{"absent", `{"jsonrpc":"2.0","method":"ping"}`, `null`},
		{"null", `{"jsonrpc":"2.0","method":"ping","id":null}`, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal([]byte(f.roundTrip(t, tt.line)), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if string(resp.ID) != tt.want {
				t.Errorf("id = %s, want %s", resp.ID, tt.want)
			}
		})
	}
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.call(t, "reboot_everything", map[string]any{})
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected -32601, got %+v", resp.Error)
	}
	if resp.Error.Message != "Method not found" {
		t.Errorf("message = %q", resp.Error.Message)
	}
	if len(f.runner.Calls()) != 0 {
		t.Errorf("no command may run for an unknown method, got %v", f.runner.Lines())
	}
}

func TestMalformedRequestIsDropped(t *testing.T) {
	f := newFixture(t, nil)

	for _, line := range []string{`not json`, `[1,2,3]`, `"ping"`, `{"method":`} {
		if raw := f.roundTrip(t, line); raw != "" {
			t.Errorf("%q: expected the connection to close silently, got %s", line, raw)
		}
	}

	// The daemon keeps serving afterwards.
	if resp := f.call(t, "ping", nil); resp.Error != nil {
		t.Errorf("ping after malformed input failed: %v", resp.Error)
	}
}

func TestMissingParams(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		method string
		params any
		want   string
	}{
		{"create_vhost", map[string]any{"domain": "example.com"}, "Missing user"},
		{"restart_service", map[string]any{}, "Missing service"},
		{"restart_service", map[string]any{"service": 12}, "Missing service"},
		{"rename_file", map[string]any{"to": "b"}, "Missing from path"},
		{"rename_file", map[string]any{"from": "a"}, "Missing to path"},
		{"toggle_firewall", map[string]any{"enable": "yes"}, "Missing enable parameter"},
		{"apply_firewall_rule", map[string]any{"port": -1}, "Missing port"},
		{"list_files", nil, "Missing path"},
	}
	for _, tt := range tests {
		t.Run(tt.method+"/"+tt.want, func(t *testing.T) {
			wantError(t, f.call(t, tt.method, tt.params), tt.want)
		})
	}
}

func TestCreateVHostUnknownUser(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.Fail("id ghost", "id: 'ghost': no such user")

	resp := f.call(t, "create_vhost", map[string]any{
		"domain":      "example.com",
		"user":        "ghost",
		"root":        filepath.Join(f.home, "ghost", "public_html"),
		"php_version": "8.4",
	})
	wantError(t, resp, "User 'ghost' does not exist")

	for _, dir := range []string{f.layout.TempDir, f.layout.NginxAvailableDir, f.layout.NginxEnabledDir, f.layout.PoolDir("8.4")} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("read %s: %v", dir, err)
		}
		if len(entries) != 0 {
			t.Errorf("%s must stay empty, found %d entries", dir, len(entries))
		}
	}
}

func TestCreateVHostFailsAtPoolMove(t *testing.T) {
	f := newFixture(t, nil)
	paths := f.layout.PathsFor("example.com", "alice", "8.4")
	f.runner.SetHandler(fileOps(func(c executor.Command) bool {
		return c.Name == "mv" && c.Args[1] == paths.Pool
	}))

	resp := f.call(t, "create_vhost", map[string]any{
		"domain":      "example.com",
		"user":        "alice",
		"root":        filepath.Join(f.home, "alice", "public_html"),
		"php_version": "8.4",
	})
	wantError(t, resp, "Failed to move PHP pool config to "+paths.Pool)

	if _, err := os.Stat(paths.Available); err != nil {
		t.Errorf("nginx config must already be in place: %v", err)
	}
}

func TestCreateAndDeleteVHost(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.call(t, "create_vhost", map[string]any{
		"domain":      "example.com",
		"user":        "alice",
		"root":        filepath.Join(f.home, "alice", "public_html"),
		"php_version": "8.4",
	})
	if resp.Error != nil {
		t.Fatalf("create_vhost: %v", resp.Error)
	}

	var sites []string
	if err := json.Unmarshal(f.call(t, "list_vhosts", nil).Result, &sites); err != nil {
		t.Fatalf("list_vhosts: %v", err)
	}
	if len(sites) != 1 || sites[0] != "example.com" {
		t.Errorf("list_vhosts = %v", sites)
	}

	// php_version falls back to the configured default; deleting twice
	// succeeds both times.
	for i := 0; i < 2; i++ {
		resp := f.call(t, "delete_vhost", map[string]any{"domain": "example.com", "user": "alice"})
		if resp.Error != nil {
			t.Fatalf("delete_vhost #%d: %v", i+1, resp.Error)
		}
	}
	if _, err := os.Stat(f.layout.PathsFor("example.com", "alice", "8.4").Pool); !errors.Is(err, os.ErrNotExist) {
		t.Error("pool config should be gone")
	}
}

func TestListFilesOutsideSandbox(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.call(t, "list_files", map[string]any{"path": "../../etc"})
	wantError(t, resp, "Access denied")
}

func TestDirectorySizeMissingPath(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.call(t, "get_directory_size", map[string]any{"path": "nope/missing"})
	wantError(t, resp, "path does not exist")
	if f.runner.Ran("du") {
		t.Error("du must not run for a missing path")
	}
}

func TestFirewallToggleUpdatesState(t *testing.T) {
	f := newFixture(t, nil)

	if resp := f.call(t, "toggle_firewall", map[string]any{"enable": false}); resp.Error != nil {
		t.Fatalf("toggle_firewall: %v", resp.Error)
	}
	if f.srv.State().FirewallActive() {
		t.Error("state should record the disabled firewall")
	}

	f.runner.Fail("ufw --force enable", "ERROR: problem running ufw-init")
	resp := f.call(t, "toggle_firewall", map[string]any{"enable": true})
	wantError(t, resp, "Failed to enable firewall")
	if f.srv.State().FirewallActive() {
		t.Error("a failed toggle must not change the recorded state")
	}

	f.runner.On("ufw status", executor.Result{Stdout: "Status: active\n"})
	if resp := f.call(t, "get_firewall_status", nil); resp.Error != nil {
		t.Fatalf("get_firewall_status: %v", resp.Error)
	}
	if !f.srv.State().FirewallActive() {
		t.Error("status query should refresh the recorded state")
	}
}

// fakeUFW keeps the firewall state the way ufw itself would.
type fakeUFW struct {
	mu     sync.Mutex
	active bool
}

func (u *fakeUFW) handle(c executor.Command) *executor.Result {
	if c.Name != "ufw" {
		return nil
	}
	u.mu.Lock()
	var res executor.Result
	switch strings.Join(c.Args, " ") {
	case "--force enable":
		u.active = true
	case "disable":
		u.active = false
	case "status":
		res.Stdout = "Status: inactive\n"
		if u.active {
			res.Stdout = "Status: active\n"
		}
	}
	u.mu.Unlock()

	// Let concurrent requests overtake each other on the way back.
	time.Sleep(time.Millisecond)
	return &res
}

func (u *fakeUFW) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

func TestConcurrentToggles(t *testing.T) {
	f := newFixture(t, nil)
	ufw := &fakeUFW{active: true}
	f.runner.SetHandler(ufw.handle)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("unix", f.socket)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			if i%5 == 4 {
				fmt.Fprintln(conn, `{"jsonrpc":"2.0","method":"get_firewall_status","id":1}`)
			} else {
				fmt.Fprintf(conn, `{"jsonrpc":"2.0","method":"toggle_firewall","params":{"enable":%t},"id":1}`+"\n", i%2 == 0)
			}
			resp, err := protocol.ReadResponse(conn)
			if err != nil {
				t.Errorf("read response: %v", err)
				return
			}
			if resp.Error != nil {
				t.Errorf("request %d failed: %s", i, resp.Error.Message)
			}
		}(i)
	}
	wg.Wait()

	if got, want := f.srv.State().FirewallActive(), ufw.Active(); got != want {
		t.Fatalf("recorded firewall state %t, ufw reports %t", got, want)
	}

	resp := f.call(t, "get_firewall_status", nil)
	if resp.Error != nil {
		t.Fatalf("get_firewall_status: %s", resp.Error.Message)
	}
	var status host.FirewallStatus
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != "active" && status.Status != "inactive" {
		t.Fatalf("status = %q", status.Status)
	}
	if status.Active() != f.srv.State().FirewallActive() {
		t.Errorf("get_firewall_status says %q, state says %t", status.Status, f.srv.State().FirewallActive())
	}
}

func TestRequestsAreAudited(t *testing.T) {
	f := newFixture(t, nil)

	f.call(t, "ping", nil)
	f.call(t, "create_database", map[string]any{"name": "shop", "user": "shop", "password": "s3cret!"})
	f.call(t, "no_such_method", nil)

	entries, err := ReadAuditLog(f.srv.audit.Path(), 0)
	if err != nil {
		t.Fatalf("ReadAuditLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	outcomes := []string{entries[0].Outcome, entries[1].Outcome, entries[2].Outcome}
	if outcomes[0] != "ok" || outcomes[1] != "ok" || outcomes[2] != "not_found" {
		t.Errorf("outcomes = %v", outcomes)
	}
	for _, e := range entries {
		if e.RequestID == "" {
			t.Error("entry without request id")
		}
	}

	data, err := os.ReadFile(f.srv.audit.Path())
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "s3cret!") {
		t.Error("audit log must not contain params")
	}
}

func TestMethodTimeout(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Timeouts.Methods = map[string]time.Duration{"slow": 20 * time.Millisecond}
	})

	srv, err := NewServer(Options{Config: f.srv.config, Host: f.srv.host, Provisioner: provision.New(provision.Config{Runner: f.runner})})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Shutdown()

	err = srv.registry.Register(Method{Name: "slow", Handle: noParams(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = srv.dispatch("slow", nil)
	if err == nil || err.Error() != "slow timed out after 20ms" {
		t.Fatalf("err = %v", err)
	}
	if fault.KindOf(err) != fault.Timeout {
		t.Errorf("kind = %s", fault.KindOf(err))
	}
}

func TestConfigReloadAppliesTimeouts(t *testing.T) {
	f := newFixture(t, nil)

	cfg := DefaultConfig()
	cfg.Timeouts.Methods = map[string]time.Duration{"ping": time.Second}
	cfg.Services.Allowed = []string{"nginx"}
	f.srv.applyConfig(cfg)

	if got := f.srv.timeouts.Load().For("ping"); got != time.Second {
		t.Errorf("ping timeout = %s", got)
	}
	wantError(t, f.call(t, "restart_service", map[string]any{"service": "mysql"}), "Service not allowed")
	if resp := f.call(t, "restart_service", map[string]any{"service": "nginx"}); resp.Error != nil {
		t.Errorf("restart nginx: %v", resp.Error)
	}
}

func newIdleServer(t *testing.T) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SocketPath = tempSocketPath(t)
	cfg.AuditLog = ""
	runner := executortest.New()
	h := host.New(host.Config{Runner: runner, FS: afero.NewMemMapFs(), Sandbox: sandbox.New(t.TempDir())})
	srv, err := NewServer(Options{Config: cfg, Host: h, Provisioner: provision.New(provision.Config{Runner: runner})})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, cfg.SocketPath
}

func TestShutdownRacingStartup(t *testing.T) {
	for i := 0; i < 100; i++ {
		srv, socket := newIdleServer(t)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		srv.Shutdown()

		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("run %d: ListenAndServe: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d: ListenAndServe still blocked after Shutdown", i)
		}
		if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("run %d: socket file left behind: %v", i, err)
		}
	}
}

func TestServeAfterShutdown(t *testing.T) {
	srv, socket := newIdleServer(t)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.Shutdown()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve kept accepting after Shutdown")
	}
	if _, err := os.Stat(socket); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket file left behind: %v", err)
	}
}

func TestSocketChmodFailureStopsStartup(t *testing.T) {
	srv, socket := newIdleServer(t)
	defer srv.Shutdown()

	chmodSocket = func(string, os.FileMode) error { return os.ErrPermission }
	t.Cleanup(func() { chmodSocket = os.Chmod })

	err := srv.ListenAndServe()
	if err == nil || !errors.Is(err, os.ErrPermission) {
		t.Fatalf("ListenAndServe = %v, want a permission error", err)
	}
	if !strings.Contains(err.Error(), "chmod socket "+socket) {
		t.Errorf("error = %q", err)
	}
	if _, statErr := os.Stat(socket); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("socket left behind after failed startup: %v", statErr)
	}
}
