package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

var errInvalid = errors.New("port out of range")

func (s *sample) Validate() error {
	if s.Port <= 0 {
		return errInvalid
	}
	return nil
}

func write(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	t.Setenv("CONFIG_TEST_PORT", "9000")
	s := &sample{Name: "default", Port: 1}
	if err := Load(write(t, "port: ${CONFIG_TEST_PORT}\n"), s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "default" || s.Port != 9000 {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	s := &sample{Name: "default", Port: 1}
	if err := Load(filepath.Join(t.TempDir(), "absent.yaml"), s); err != nil {
		t.Fatal(err)
	}
	if s.Name != "default" || s.Port != 1 {
		t.Errorf("got %+v", s)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown key": "nmae: typo\n",
		"bad type":    "port: many\n",
		"validation":  "port: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s := &sample{Port: 1}
			if err := Load(write(t, body), s); err == nil {
				t.Errorf("expected error, got %+v", s)
			}
		})
	}

	s := &sample{}
	if err := Load(write(t, "port: 0\n"), s); !errors.Is(err, errInvalid) {
		t.Errorf("err = %v, want wrapped validation error", err)
	}
}

func TestExpand(t *testing.T) {
	t.Setenv("CONFIG_TEST_SET", "value")
	t.Setenv("CONFIG_TEST_EMPTY", "")
	cases := []struct{ in, want string }{
		{"${CONFIG_TEST_SET}", "value"},
		{"$CONFIG_TEST_SET/x", "value/x"},
		{"${CONFIG_TEST_UNSET}", ""},
		{"${CONFIG_TEST_UNSET:-./pkb}", "./pkb"},
		{"${CONFIG_TEST_EMPTY:-fallback}", "fallback"},
		{"${CONFIG_TEST_SET:-fallback}", "value"},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := Expand(tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if !strings.Contains(Expand("a ${CONFIG_TEST_SET} b"), "value") {
		t.Error("embedded reference not expanded")
	}
}
