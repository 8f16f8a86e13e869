package main

import (
	"errors"
	"testing"

	"github.com/spf13/pflag"

	"github.com/cochaviz/bsdimg/arch"
	"github.com/cochaviz/bsdimg/internal/build"
)

func parsed(t *testing.T, args ...string) (*configFlags, *pflag.FlagSet) {
	t.Helper()

	var f configFlags
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return &f, flags
}

func TestOptionsOnlyApplyChangedFlags(t *testing.T) {
	t.Parallel()

	f, flags := parsed(t, "--arch", "x86_64", "--output", "/tmp/out.img")

	cfg := build.DefaultConfig("/build")
	cfg.Release = "9.4"
	if err := f.options(flags)(&cfg); err != nil {
		t.Fatalf("options() error = %v", err)
	}

	if cfg.Arch != arch.AMD64 {
		t.Fatalf("Arch = %q, want amd64", cfg.Arch)
	}
	if cfg.OutputPath != "/tmp/out.img" {
		t.Fatalf("OutputPath = %q", cfg.OutputPath)
	}
	if cfg.Release != "9.4" {
		t.Fatalf("Release = %q, unset flag overrode an earlier value", cfg.Release)
	}
}

func TestOptionsRejectUnknownArch(t *testing.T) {
	t.Parallel()

	f, flags := parsed(t, "--arch", "sparc64")

	cfg := build.DefaultConfig("/build")
	var configErr *build.ConfigError
	if err := f.options(flags)(&cfg); !errors.As(err, &configErr) || configErr.Field != "arch" {
		t.Fatalf("expected arch ConfigError, got %v", err)
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCommand(&app{})
	for _, name := range []string{"build", "sets", "images", "teardown"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("Find(%q) = %v, %v", name, cmd, err)
		}
	}

	buildCmd, _, _ := root.Find([]string{"build"})
	for _, flag := range []string{"no-verify", "build-dir", "sets-dir", "sets-iso", "force-fetch", "output", "release", "arch", "config", "keyring", "base-url", "hostname", "sudo", "publish-pool", "connect-uri"} {
		if buildCmd.Flags().Lookup(flag) == nil {
			t.Fatalf("build is missing --%s", flag)
		}
	}
	if root.PersistentFlags().ShorthandLookup("v") == nil {
		t.Fatal("root is missing -v")
	}
}
