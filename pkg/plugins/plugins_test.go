package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/twinsync/twinsync/pkg/engine"
	"github.com/twinsync/twinsync/pkg/fragment"
)

type fakeSystem struct {
	calls     [][]string
	responses map[string]string
	errs      map[string]error
}

func (f *fakeSystem) Run(ctx context.Context, name string, args ...string) (string, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	key := strings.Join(call, " ")
	for prefix, err := range f.errs {
		if strings.HasPrefix(key, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeSystem) lastCall() string {
	if len(f.calls) == 0 {
		return ""
	}
	return strings.Join(f.calls[len(f.calls)-1], " ")
}

func TestPackagesCollect(t *testing.T) {
	system := &fakeSystem{responses: map[string]string{
		"dpkg-query": "curl\t8.5.0-2\tinstalled\n" +
			"removed-pkg\t1.0\tconfig-files\n" +
			"vim\t9.1\tinstalled",
	}}
	p := NewPackagesPlugin(system)

	frag, err := p.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if frag.Len() != 2 {
		t.Fatalf("items = %d, want 2 (config-files residue excluded)", frag.Len())
	}
	curl := frag.Item("curl")
	if curl["version"] != "8.5.0-2" || curl["ensure"] != "present" || curl["source"] != "apt" {
		t.Errorf("curl attrs = %v", curl)
	}
}

func TestPackagesDiffOrdersInstallsFirst(t *testing.T) {
	desired := fragment.New(fragment.DomainPackages)
	desired.Set("aaa-remove-me", fragment.Attrs{"ensure": "absent"})
	desired.Set("curl", fragment.Attrs{"ensure": "present"})
	desired.Set("vim", fragment.Attrs{"ensure": "present", "version": "9.1"})

	observed := fragment.New(fragment.DomainPackages)
	observed.Set("aaa-remove-me", fragment.Attrs{"ensure": "present", "version": "1.0"})
	observed.Set("vim", fragment.Attrs{"ensure": "present", "version": "8.2"})

	p := NewPackagesPlugin(&fakeSystem{})
	actions, err := p.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	var verbs []engine.Verb
	for _, a := range actions {
		verbs = append(verbs, a.Verb)
	}
	want := []engine.Verb{engine.VerbInstall, engine.VerbUpdate, engine.VerbRemove}
	if len(verbs) != len(want) {
		t.Fatalf("actions = %v", actions)
	}
	for i := range want {
		if verbs[i] != want[i] {
			t.Errorf("verb[%d] = %s, want %s (installs must precede removals)", i, verbs[i], want[i])
		}
	}
	if actions[2].Prior["version"] != "1.0" {
		t.Error("removal must carry the prior attributes for backup")
	}
}

func TestPackagesDiffPrunesUnmanagedPackages(t *testing.T) {
	desired := fragment.New(fragment.DomainPackages)
	desired.Set("nginx", fragment.Attrs{"ensure": "present"})

	observed := fragment.New(fragment.DomainPackages)
	observed.Set("apache2", fragment.Attrs{"ensure": "present", "version": "2.4.62-1", "source": "apt"})

	p := NewPackagesPlugin(&fakeSystem{})
	actions, err := p.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %v, want install nginx then remove apache2", actions)
	}
	if actions[0].Verb != engine.VerbInstall || actions[0].Target != "nginx" {
		t.Errorf("actions[0] = %s %s, want install nginx", actions[0].Verb, actions[0].Target)
	}
	if actions[1].Verb != engine.VerbRemove || actions[1].Target != "apache2" {
		t.Errorf("actions[1] = %s %s, want remove apache2", actions[1].Verb, actions[1].Target)
	}
	if actions[1].Prior["version"] != "2.4.62-1" {
		t.Error("pruning removal must carry the prior attributes for backup")
	}
}

func TestPackagesDiffNoChangeWhenConverged(t *testing.T) {
	desired := fragment.New(fragment.DomainPackages)
	desired.Set("curl", fragment.Attrs{"ensure": "present"})
	observed := fragment.New(fragment.DomainPackages)
	observed.Set("curl", fragment.Attrs{"ensure": "present", "version": "8.5.0-2", "source": "apt"})

	p := NewPackagesPlugin(&fakeSystem{})
	actions, err := p.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected empty diff, got %v", actions)
	}
}

func TestPackagesApplyPinsVersion(t *testing.T) {
	system := &fakeSystem{}
	p := NewPackagesPlugin(system)

	err := p.Apply(context.Background(), engine.Action{
		Domain:  fragment.DomainPackages,
		Verb:    engine.VerbInstall,
		Target:  "vim",
		Payload: fragment.Attrs{"ensure": "present", "version": "9.1"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := system.lastCall(); got != "apt-get install -y vim=9.1" {
		t.Errorf("command = %q", got)
	}
}

func TestServicesCollect(t *testing.T) {
	system := &fakeSystem{responses: map[string]string{
		"systemctl list-unit-files": "ssh.service enabled enabled\ncups.service disabled enabled",
		"systemctl list-units":      "ssh.service loaded active running OpenSSH server",
	}}
	s := NewServicesPlugin(system)

	frag, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	ssh := frag.Item("ssh.service")
	if !ssh.Bool("enabled") || !ssh.Bool("running") {
		t.Errorf("ssh attrs = %v", ssh)
	}
	cups := frag.Item("cups.service")
	if cups.Bool("enabled") || cups.Bool("running") {
		t.Errorf("cups attrs = %v", cups)
	}
}

func TestServicesDiffEnablementBeforeRuntime(t *testing.T) {
	desired := fragment.New(fragment.DomainServices)
	desired.Set("nginx.service", fragment.Attrs{"enabled": "true", "running": "true"})

	observed := fragment.New(fragment.DomainServices)
	observed.Set("nginx.service", fragment.Attrs{"enabled": "false", "running": "false"})

	s := NewServicesPlugin(&fakeSystem{})
	actions, err := s.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %v, want enable then start", actions)
	}
	if actions[0].Verb != engine.VerbEnable || actions[1].Verb != engine.VerbStart {
		t.Errorf("order = %s, %s; want enable, start", actions[0].Verb, actions[1].Verb)
	}
}

func TestServicesDiffConvergedWhenUnitUnknown(t *testing.T) {
	desired := fragment.New(fragment.DomainServices)
	desired.Set("cups.service", fragment.Attrs{"enabled": "false", "running": "false"})

	s := NewServicesPlugin(&fakeSystem{})
	actions, err := s.Diff(desired, fragment.New(fragment.DomainServices))
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("unit absent from systemd is already disabled and stopped, got %v", actions)
	}
}

func TestServicesApply(t *testing.T) {
	system := &fakeSystem{}
	s := NewServicesPlugin(system)

	err := s.Apply(context.Background(), engine.Action{
		Domain: fragment.DomainServices,
		Verb:   engine.VerbStop,
		Target: "cups.service",
		Prior:  fragment.Attrs{"enabled": "true", "running": "true"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := system.lastCall(); got != "systemctl stop cups.service" {
		t.Errorf("command = %q", got)
	}
}

func TestFilesCollectRespectsSizeCap(t *testing.T) {
	root := t.TempDir()
	small := filepath.Join(root, "etc", "motd")
	if err := os.MkdirAll(filepath.Dir(small), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(small, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	big := filepath.Join(root, "big.bin")
	if err := os.WriteFile(big, make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewFilesPlugin([]string{root}, 1024)
	frag, err := f.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if frag.Item(big) != nil {
		t.Error("files over the size cap must be skipped")
	}
	item := frag.Item(small)
	if item == nil {
		t.Fatal("small file missing from collection")
	}
	if item["content"] != "hello\n" {
		t.Errorf("content = %q", item["content"])
	}
	if item["hash"] != HashContent([]byte("hello\n")) {
		t.Errorf("hash = %q", item["hash"])
	}
	if item["mode"] != "0644" {
		t.Errorf("mode = %q", item["mode"])
	}
	if item["size"] != "6" {
		t.Errorf("size = %q", item["size"])
	}
}

func TestFilesCollectMissingRoot(t *testing.T) {
	f := NewFilesPlugin([]string{filepath.Join(t.TempDir(), "absent")}, 1024)
	frag, err := f.Collect(context.Background())
	if err != nil {
		t.Fatalf("a missing root must not fail collection: %v", err)
	}
	if frag.Len() != 0 {
		t.Errorf("items = %d, want 0", frag.Len())
	}
}

func TestFilesDiffIsAdditiveOnly(t *testing.T) {
	desired := fragment.New(fragment.DomainFiles)
	desired.Set("/etc/motd", fragment.Attrs{"content": "new\n", "hash": HashContent([]byte("new\n"))})
	desired.Set("/etc/new.conf", fragment.Attrs{"content": "fresh\n"})

	observed := fragment.New(fragment.DomainFiles)
	observed.Set("/etc/motd", fragment.Attrs{"content": "old\n", "hash": HashContent([]byte("old\n")), "mode": "0644"})
	observed.Set("/etc/unmanaged.conf", fragment.Attrs{"content": "leave me\n", "hash": HashContent([]byte("leave me\n"))})

	f := NewFilesPlugin(nil, 1024)
	actions, err := f.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %v, want replace motd + create new.conf", actions)
	}
	byTarget := map[string]engine.Action{}
	for _, a := range actions {
		byTarget[a.Target] = a
	}
	if byTarget["/etc/motd"].Verb != engine.VerbReplace {
		t.Errorf("motd verb = %s, want replace", byTarget["/etc/motd"].Verb)
	}
	if byTarget["/etc/new.conf"].Verb != engine.VerbCreate {
		t.Errorf("new.conf verb = %s, want create", byTarget["/etc/new.conf"].Verb)
	}
	if _, ok := byTarget["/etc/unmanaged.conf"]; ok {
		t.Error("observed-only files must never produce actions")
	}
}

func TestFilesApplyWritesContentAndMode(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "app.conf")

	f := NewFilesPlugin(nil, 1024)
	err := f.Apply(context.Background(), engine.Action{
		Domain:  fragment.DomainFiles,
		Verb:    engine.VerbCreate,
		Target:  target,
		Payload: fragment.Attrs{"content": "key = value\n", "mode": "0600"},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading result: %v", err)
	}
	if string(data) != "key = value\n" {
		t.Errorf("content = %q", data)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprintf("%04o", info.Mode().Perm()); got != "0600" {
		t.Errorf("mode = %s, want 0600", got)
	}
}

func TestStartupCollectWithoutCrontab(t *testing.T) {
	system := &fakeSystem{errs: map[string]error{
		"crontab -l": errors.New("no crontab for root"),
	}}
	s := NewStartupPlugin(system)

	frag, err := s.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	item := frag.Item("crontab")
	if item == nil || item["content"] != "" {
		t.Errorf("expected empty crontab block, got %v", item)
	}
}

func TestStartupDiffIsAtomic(t *testing.T) {
	desired := fragment.New(fragment.DomainStartup)
	desired.Set("crontab", fragment.Attrs{"content": "0 2 * * * /usr/local/bin/backup\n@reboot /usr/local/bin/warmup\n"})

	observed := fragment.New(fragment.DomainStartup)
	observed.Set("crontab", fragment.Attrs{"content": "0 2 * * * /usr/local/bin/backup\n"})

	s := NewStartupPlugin(&fakeSystem{})
	actions, err := s.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %v, want exactly one whole-block update", actions)
	}
	a := actions[0]
	if a.Verb != engine.VerbUpdate || a.Target != "crontab" {
		t.Errorf("action = %+v", a)
	}
	if !a.Destructive() {
		t.Error("updating existing entries must be treated as destructive")
	}
}

func TestStartupDiffIgnoresTrailingNewline(t *testing.T) {
	desired := fragment.New(fragment.DomainStartup)
	desired.Set("crontab", fragment.Attrs{"content": "@reboot /bin/true"})

	observed := fragment.New(fragment.DomainStartup)
	observed.Set("crontab", fragment.Attrs{"content": "@reboot /bin/true\n"})

	s := NewStartupPlugin(&fakeSystem{})
	actions, err := s.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 0 {
		t.Errorf("expected no actions, got %v", actions)
	}
}

func TestStartupUpdateOverEmptyIsNotDestructive(t *testing.T) {
	desired := fragment.New(fragment.DomainStartup)
	desired.Set("crontab", fragment.Attrs{"content": "@reboot /bin/true\n"})

	observed := fragment.New(fragment.DomainStartup)
	observed.Set("crontab", fragment.Attrs{"content": ""})

	s := NewStartupPlugin(&fakeSystem{})
	actions, err := s.Diff(desired, observed)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("actions = %v", actions)
	}
	if actions[0].Destructive() {
		t.Error("seeding an empty crontab overwrites nothing")
	}
}
