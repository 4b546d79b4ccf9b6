package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"superd/internal/executor"
	"superd/internal/executor/executortest"
	"superd/internal/fault"
)

const testNginxStub = `server {
    listen 80;
    server_name {{DOMAIN}} {{ALIASES}};
    root {{ROOT}};
    {{SSL_REDIRECT}}
    {{SSL_CONFIG}}
    location ~ \.php$ {
        fastcgi_pass unix:/run/php/php{{PHP_VERSION}}-fpm-{{USER}}.sock;
    }
}
`

const testPoolStub = `[{{USER}}]
user = {{USER}}
listen = /run/php/php{{PHP_VERSION}}-fpm-{{USER}}.sock
`

// hostOps executes the file-moving commands of the workflow against the
// real filesystem. fail, when it returns true, makes a command exit 1.
func hostOps(fail func(executor.Command) bool) func(executor.Command) *executor.Result {
	return func(c executor.Command) *executor.Result {
		if fail != nil && fail(c) {
			return &executor.Result{ExitCode: 1, Stderr: "sudo: a password is required"}
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

func newTestProvisioner(t *testing.T) (*Provisioner, *executortest.FakeRunner, Layout) {
	t.Helper()
	dir := t.TempDir()

	layout := Layout{
		TemplatesDir:      filepath.Join(dir, "templates"),
		TempDir:           filepath.Join(dir, "tmp"),
		NginxAvailableDir: filepath.Join(dir, "sites-available"),
		NginxEnabledDir:   filepath.Join(dir, "sites-enabled"),
		PHPRoot:           filepath.Join(dir, "php"),
		WebService:        "nginx",
		PHPService:        "php8.4-fpm",
	}

	for _, d := range []string{layout.TemplatesDir, layout.TempDir, layout.NginxAvailableDir, layout.NginxEnabledDir, layout.PoolDir("8.4")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.WriteFile(filepath.Join(layout.TemplatesDir, NginxTemplate), []byte(testNginxStub), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := os.WriteFile(filepath.Join(layout.TemplatesDir, PoolTemplate), []byte(testPoolStub), 0644); err != nil {
		t.Fatalf("write template: %v", err)
	}

	runner := executortest.New()
	runner.SetHandler(hostOps(nil))

	p := New(Config{Runner: runner, FS: afero.NewOsFs(), Layout: layout})
	return p, runner, layout
}

func testVHost(root string) VHost {
	return VHost{
		Domain:     "example.com",
		User:       "alice",
		Root:       root,
		PHPVersion: "8.4",
	}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCreateSuccess(t *testing.T) {
	p, runner, layout := newTestProvisioner(t)
	root := filepath.Join(t.TempDir(), "alice", "public_html")

	msg, err := p.Create(context.Background(), testVHost(root))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	paths := layout.PathsFor("example.com", "alice", "8.4")
	want := "VHost created for example.com. Configs: " + paths.Available + ", " + paths.Pool
	if msg != want {
		t.Errorf("message:\n got %q\nwant %q", msg, want)
	}

	nginx, err := os.ReadFile(paths.Available)
	if err != nil {
		t.Fatalf("nginx config missing: %v", err)
	}
	if !strings.Contains(string(nginx), "server_name example.com ;") {
		t.Errorf("domain not rendered:\n%s", nginx)
	}
	if !strings.Contains(string(nginx), "root "+root+";") {
		t.Errorf("root not rendered:\n%s", nginx)
	}
	if strings.Contains(string(nginx), "{{") {
		t.Errorf("unrendered placeholder left:\n%s", nginx)
	}

	link, err := os.Readlink(paths.Enabled)
	if err != nil {
		t.Fatalf("enabled link missing: %v", err)
	}
	if link != paths.Available {
		t.Errorf("link target: got %q, want %q", link, paths.Available)
	}

	pool, err := os.ReadFile(paths.Pool)
	if err != nil {
		t.Fatalf("pool config missing: %v", err)
	}
	if !strings.HasPrefix(string(pool), "[alice]") {
		t.Errorf("pool not rendered:\n%s", pool)
	}

	if _, err := os.Stat(root); err != nil {
		t.Errorf("web root was not created: %v", err)
	}
	if left := dirEntries(t, layout.TempDir); len(left) != 0 {
		t.Errorf("temp files left behind: %v", left)
	}

	lines := runner.Lines()
	wantOrder := []string{"id alice", "mkdir -p", "mv", "ln -sf", "mv", "systemctl reload nginx", "systemctl reload php8.4-fpm"}
	if len(lines) != len(wantOrder) {
		t.Fatalf("commands: got %v", lines)
	}
	for i, prefix := range wantOrder {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("command %d: got %q, want prefix %q", i, lines[i], prefix)
		}
	}
	for _, c := range runner.Calls()[1:] {
		if !c.Privileged {
			t.Errorf("%s should run privileged", c)
		}
	}
}

func TestCreateUnknownUser(t *testing.T) {
	p, runner, layout := newTestProvisioner(t)
	runner.Fail("id nosuchuser", "id: 'nosuchuser': no such user")

	v := testVHost(filepath.Join(t.TempDir(), "site"))
	v.User = "nosuchuser"

	_, err := p.Create(context.Background(), v)
	if err == nil {
		t.Fatal("expected failure for unknown user")
	}
	if err.Error() != "User 'nosuchuser' does not exist in the system" {
		t.Errorf("message: got %q", err.Error())
	}
	if !fault.Is(err, fault.Precondition) {
		t.Errorf("expected Precondition kind, got %v", fault.KindOf(err))
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepCheckUser {
		t.Errorf("expected StepCheckUser, got %+v", stepErr)
	}

	for _, dir := range []string{layout.TempDir, layout.NginxAvailableDir, layout.NginxEnabledDir, layout.PoolDir("8.4")} {
		if left := dirEntries(t, dir); len(left) != 0 {
			t.Errorf("%s should be untouched, found %v", dir, left)
		}
	}
	if _, statErr := os.Stat(v.Root); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("web root must not be created for an unknown user")
	}
	if got := len(runner.Calls()); got != 1 {
		t.Errorf("only the user check should run, got %v", runner.Lines())
	}
}

func TestCreateFailsAtPoolMoveWithoutRollback(t *testing.T) {
	p, runner, layout := newTestProvisioner(t)
	paths := layout.PathsFor("example.com", "alice", "8.4")

	runner.SetHandler(hostOps(func(c executor.Command) bool {
		return c.Name == "mv" && c.Args[1] == paths.Pool
	}))

	_, err := p.Create(context.Background(), testVHost(t.TempDir()))
	if err == nil {
		t.Fatal("expected failure at the pool move")
	}

	want := "Failed to move PHP pool config to " + paths.Pool + ". Ensure daemon has sudo access."
	if err.Error() != want {
		t.Errorf("message:\n got %q\nwant %q", err.Error(), want)
	}

	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected *StepError, got %T", err)
	}
	if stepErr.Step != StepMovePool || stepErr.Path != paths.Pool {
		t.Errorf("step error: got %s at %s", stepErr.Step, stepErr.Path)
	}

	if _, err := os.Stat(paths.Available); err != nil {
		t.Errorf("nginx config must remain at %s: %v", paths.Available, err)
	}
	if _, err := os.Lstat(paths.Enabled); err != nil {
		t.Errorf("enabled link must remain at %s: %v", paths.Enabled, err)
	}
	if _, err := os.Stat(paths.Pool); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pool config should not exist")
	}
	if runner.Ran("systemctl reload") {
		t.Error("services must not be reloaded after a failed step")
	}
}

func TestCreateFailureMessages(t *testing.T) {
	tests := []struct {
		name string
		fail func(paths Paths) func(executor.Command) bool
		step Step
		want func(paths Paths) string
	}{
		{
			name: "move nginx",
			fail: func(paths Paths) func(executor.Command) bool {
				return func(c executor.Command) bool { return c.Name == "mv" && c.Args[1] == paths.Available }
			},
			step: StepMoveNginx,
			want: func(paths Paths) string {
				return "Failed to move Nginx config to " + paths.Available + ". Ensure daemon has sudo access."
			},
		},
		{
			name: "enable nginx",
			fail: func(paths Paths) func(executor.Command) bool {
				return func(c executor.Command) bool { return c.Name == "ln" }
			},
			step: StepEnableNginx,
			want: func(paths Paths) string {
				return "Failed to enable Nginx config at " + paths.Enabled + ". Ensure daemon has sudo access."
			},
		},
		{
			name: "reload",
			fail: func(paths Paths) func(executor.Command) bool {
				return func(c executor.Command) bool {
					return c.Name == "systemctl" && c.Args[1] == "php8.4-fpm"
				}
			},
			step: StepReload,
			want: func(paths Paths) string { return "Failed to reload one or more services" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, runner, layout := newTestProvisioner(t)
			paths := layout.PathsFor("example.com", "alice", "8.4")
			runner.SetHandler(hostOps(tt.fail(paths)))

			_, err := p.Create(context.Background(), testVHost(t.TempDir()))
			if err == nil {
				t.Fatal("expected failure")
			}
			if err.Error() != tt.want(paths) {
				t.Errorf("message:\n got %q\nwant %q", err.Error(), tt.want(paths))
			}
			var stepErr *StepError
			if !errors.As(err, &stepErr) || stepErr.Step != tt.step {
				t.Errorf("step: got %+v, want %s", stepErr, tt.step)
			}
		})
	}
}

func TestCreateMissingPoolDir(t *testing.T) {
	p, _, layout := newTestProvisioner(t)

	v := testVHost(t.TempDir())
	v.PHPVersion = "7.4"

	_, err := p.Create(context.Background(), v)
	if err == nil {
		t.Fatal("expected failure for missing runtime")
	}
	want := "PHP-FPM pool directory " + layout.PoolDir("7.4") + " does not exist. Is PHP 7.4 installed?"
	if err.Error() != want {
		t.Errorf("message:\n got %q\nwant %q", err.Error(), want)
	}
	if left := dirEntries(t, layout.TempDir); len(left) != 0 {
		t.Errorf("nothing should be staged, found %v", left)
	}
}

func TestCreateMissingTemplate(t *testing.T) {
	p, _, layout := newTestProvisioner(t)
	os.Remove(filepath.Join(layout.TemplatesDir, PoolTemplate))

	_, err := p.Create(context.Background(), testVHost(t.TempDir()))
	if err == nil {
		t.Fatal("expected failure for missing template")
	}
	if !fault.Is(err, fault.Internal) {
		t.Errorf("missing template should be an internal error, got %v", fault.KindOf(err))
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != StepLoadTemplates {
		t.Errorf("step: got %+v", stepErr)
	}
}

func TestCreateRejectsUnsafeInput(t *testing.T) {
	p, runner, _ := newTestProvisioner(t)

	tests := []struct {
		name string
		edit func(*VHost)
	}{
		{"domain traversal", func(v *VHost) { v.Domain = "../../etc/nginx/nginx.conf" }},
		{"domain option", func(v *VHost) { v.Domain = "-rf" }},
		{"user option", func(v *VHost) { v.User = "--help" }},
		{"version path", func(v *VHost) { v.PHPVersion = "../8.4" }},
		{"relative root", func(v *VHost) { v.Root = "public_html" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testVHost("/home/alice/public_html")
			tt.edit(&v)
			_, err := p.Create(context.Background(), v)
			if !fault.Is(err, fault.BadParam) {
				t.Errorf("expected BadParam, got %v", err)
			}
		})
	}

	if n := len(runner.Calls()); n != 0 {
		t.Errorf("no command should run for rejected input, got %v", runner.Lines())
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	p, runner, layout := newTestProvisioner(t)

	if _, err := p.Create(context.Background(), testVHost(t.TempDir())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		msg, err := p.Delete(context.Background(), "example.com", "alice", "8.4")
		if err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
		if msg != "VHost deleted for example.com" {
			t.Errorf("message: got %q", msg)
		}
	}

	paths := layout.PathsFor("example.com", "alice", "8.4")
	for _, path := range []string{paths.Available, paths.Enabled, paths.Pool} {
		if _, err := os.Lstat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s should be gone", path)
		}
	}

	reloads := 0
	for _, line := range runner.Lines() {
		if line == "systemctl reload nginx" {
			reloads++
		}
	}
	if reloads != 3 {
		t.Errorf("expected one reload per create/delete, got %d", reloads)
	}
}

func TestDeleteReportsReloadFailure(t *testing.T) {
	p, runner, _ := newTestProvisioner(t)
	runner.SetHandler(hostOps(func(c executor.Command) bool { return c.Name == "systemctl" }))

	_, err := p.Delete(context.Background(), "example.com", "alice", "8.4")
	if err == nil || err.Error() != "Failed to reload one or more services" {
		t.Fatalf("got %v", err)
	}
	if !runner.Ran("systemctl reload php8.4-fpm") {
		t.Error("second reload must still be attempted after the first fails")
	}
}

func TestReload(t *testing.T) {
	p, runner, _ := newTestProvisioner(t)

	msg, err := p.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if msg != "Services reloaded successfully" {
		t.Errorf("message: got %q", msg)
	}
	if !runner.Ran("systemctl reload nginx") || !runner.Ran("systemctl reload php8.4-fpm") {
		t.Errorf("commands: %v", runner.Lines())
	}
}

func TestList(t *testing.T) {
	fs := afero.NewMemMapFs()
	layout := DefaultLayout()
	fs.MkdirAll(layout.NginxAvailableDir, 0755)
	for _, name := range []string{"default", "b.example.com", "a.example.com"} {
		afero.WriteFile(fs, filepath.Join(layout.NginxAvailableDir, name), []byte("server {}"), 0644)
	}

	p := New(Config{Runner: executortest.New(), FS: fs, Layout: layout})
	got, err := p.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if strings.Join(got, ",") != "a.example.com,b.example.com" {
		t.Errorf("got %v", got)
	}

	empty := New(Config{Runner: executortest.New(), FS: afero.NewMemMapFs(), Layout: layout})
	got, err = empty.List()
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("missing directory should list as empty, got %v, %v", got, err)
	}
}
