package cache

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
)

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"plain":             "plain",
		"a/b\\c":            "a_b_c",
		`x:y*z?"<>|`:        "x_y_z_____",
		"":                  "_",
		".":                 "_",
		"..":                "_",
		"with\x00nul":       "with_nul",
		"library/nginx:1.2": "library_nginx_1.2",
	}
	for in, want := range cases {
		got := sanitizeKey(in)
		if got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
		if again := sanitizeKey(got); again != got {
			t.Fatalf("sanitizeKey 不是幂等的: %q -> %q", got, again)
		}
	}
}

func TestValidateRegion(t *testing.T) {
	for _, ok := range []string{"", "R1", "images.v2"} {
		if err := validateRegion(ok); err != nil {
			t.Fatalf("region %q should be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{".", "..", "a/b", `a\b`, "x\x00"} {
		if err := validateRegion(bad); err != ErrInvalidRegion {
			t.Fatalf("region %q should be rejected, got %v", bad, err)
		}
	}
}

func TestDirectStrategyLocate(t *testing.T) {
	root := t.TempDir()
	s := directStrategy{layout: layout{root: root}}

	loc, err := s.Locate(context.Background(), "a/b", "R1")
	if err != nil {
		t.Fatalf("locate error: %v", err)
	}
	if loc.DataPath != filepath.Join(root, cacheSubFolder, "R1", "a_b"+dataExt) {
		t.Fatalf("unexpected data path: %s", loc.DataPath)
	}
	if loc.PolicyPath != filepath.Join(root, policySubFolder, "R1", "a_b"+policyExt) {
		t.Fatalf("unexpected policy path: %s", loc.PolicyPath)
	}
	if s.LockKey("a/b", "R1") != s.LockKey("a_b", "R1") {
		t.Fatalf("keys sharing a file must share a lock")
	}
}

func TestHashedStrategyFileNames(t *testing.T) {
	root := t.TempDir()
	s := newHashedStrategy(layout{root: root}, func(string) uint64 { return 0xabc }, fileAccess{})

	loc, err := s.Locate(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("locate error: %v", err)
	}
	if filepath.Base(loc.DataPath) != "0000000000000abc_0"+dataExt {
		t.Fatalf("unexpected data file name: %s", filepath.Base(loc.DataPath))
	}
	if loc.Slot != 0 {
		t.Fatalf("expected slot 0, got %d", loc.Slot)
	}
}

func TestHashedStrategyProbesCollisions(t *testing.T) {
	root := t.TempDir()
	files := fileAccess{}
	s := newHashedStrategy(layout{root: root}, func(string) uint64 { return 7 }, files)
	ctx := context.Background()

	for i, key := range []string{"first", "second"} {
		loc, err := s.Locate(ctx, key, "")
		if err != nil {
			t.Fatalf("locate error: %v", err)
		}
		if loc.Slot != i {
			t.Fatalf("key %s expected slot %d, got %d", key, i, loc.Slot)
		}
		if err := files.writeBytes(ctx, loc.PolicyPath, encodePolicy(Policy{Key: key})); err != nil {
			t.Fatalf("write policy error: %v", err)
		}
	}

	loc, err := s.Locate(ctx, "second", "")
	if err != nil || loc.Slot != 1 {
		t.Fatalf("expected existing slot 1, got %d (%v)", loc.Slot, err)
	}

	keys := slices.Sorted(s.Keys(ctx, ""))
	if !slices.Equal(keys, []string{"first", "second"}) {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestHashedStrategySkipsUndecodableSlotOnRead(t *testing.T) {
	root := t.TempDir()
	files := fileAccess{}
	s := newHashedStrategy(layout{root: root}, func(string) uint64 { return 7 }, files)
	ctx := context.Background()

	slot0 := s.slotLocation("", s.baseName("x"), 0)
	slot1 := s.slotLocation("", s.baseName("x"), 1)
	if _, _, err := s.ensureDirs(""); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	if err := files.writeBytes(ctx, slot0.PolicyPath, []byte("garbage")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := files.writeBytes(ctx, slot1.PolicyPath, encodePolicy(Policy{Key: "b"})); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	loc, err := s.Locate(ctx, "b", "")
	if err != nil || loc.Slot != 1 {
		t.Fatalf("expected b at slot 1, got %d (%v)", loc.Slot, err)
	}
	loc, err = s.Locate(ctx, "a", "")
	if err != nil || loc.Slot != 2 {
		t.Fatalf("读取时应跳过损坏的槽位, got slot %d (%v)", loc.Slot, err)
	}
	loc, err = s.LocateForWrite(ctx, "a", "")
	if err != nil || loc.Slot != 0 {
		t.Fatalf("写入时应回收损坏的槽位, got slot %d (%v)", loc.Slot, err)
	}
	loc, err = s.LocateForWrite(ctx, "b", "")
	if err != nil || loc.Slot != 1 {
		t.Fatalf("existing key must keep its slot, got %d (%v)", loc.Slot, err)
	}
}
