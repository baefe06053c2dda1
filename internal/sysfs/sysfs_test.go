package sysfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRootDefaultsToSlash(t *testing.T) {
	t.Setenv(RootEnv, "")
	if got := Root(); got != "/" {
		t.Fatalf("Root()=%q want /", got)
	}
}

func TestRootOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(RootEnv, dir)
	if got := Root(); got != dir {
		t.Fatalf("Root()=%q want %q", got, dir)
	}
}

func TestReadString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "platform_profile")
	if err := os.WriteFile(path, []byte("balanced\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ReadString(path)
	if err != nil {
		t.Fatalf("ReadString error: %v", err)
	}
	if got != "balanced" {
		t.Fatalf("ReadString=%q want balanced", got)
	}
}

func TestReadInt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "energy_perf_bias")
	if err := os.WriteFile(path, []byte("6\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := ReadInt(path)
	if err != nil {
		t.Fatalf("ReadInt error: %v", err)
	}
	if n != 6 {
		t.Fatalf("ReadInt=%d want 6", n)
	}

	if err := os.WriteFile(path, []byte("not-a-number"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadInt(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWriteStringRequiresExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no_turbo")

	if err := WriteString(path, "1"); err == nil {
		t.Fatal("expected error for missing attribute")
	}

	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteString(path, "1"); err != nil {
		t.Fatalf("WriteString error: %v", err)
	}
	got, _ := ReadString(path)
	if got != "1" {
		t.Fatalf("attribute=%q want 1", got)
	}
}

func TestListDirMissingIsEmpty(t *testing.T) {
	names, err := ListDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("ListDir error: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("names=%v want empty", names)
	}
}

func TestCPUVendor(t *testing.T) {
	root := t.TempDir()
	procDir := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cpuinfo := "processor\t: 0\nvendor_id\t: AuthenticAMD\nmodel name\t: AMD Ryzen 7\n"
	if err := os.WriteFile(filepath.Join(procDir, "cpuinfo"), []byte(cpuinfo), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := CPUVendor(root); got != VendorAMD {
		t.Fatalf("CPUVendor=%q want %q", got, VendorAMD)
	}
	if got := CPUVendor(t.TempDir()); got != "" {
		t.Fatalf("CPUVendor on empty root=%q want empty", got)
	}
}

func TestMonitorSeesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "platform_profile")
	if err := os.WriteFile(path, []byte("balanced"), 0o644); err != nil {
		t.Fatal(err)
	}

	fired := make(chan struct{}, 1)
	m, err := Watch(path, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	defer m.Close()

	if err := os.WriteFile(path, []byte("performance"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("expected monitor callback after write")
	}
}
