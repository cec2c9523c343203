package tunnel

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		input string
		want  Spec
	}{
		{
			name:  "dynamic port only",
			kind:  KindDynamic,
			input: "1080",
			want:  Spec{Kind: KindDynamic, BindAddress: "localhost", BindPort: 1080},
		},
		{
			name:  "local without target becomes dynamic",
			kind:  KindLocal,
			input: "0.0.0.0:1080",
			want:  Spec{Kind: KindDynamic, BindAddress: "0.0.0.0", BindPort: 1080},
		},
		{
			name:  "local with target",
			kind:  KindLocal,
			input: "8080:example.com:80",
			want:  Spec{Kind: KindLocal, BindAddress: "localhost", BindPort: 8080, TargetHost: "example.com", TargetPort: 80},
		},
		{
			name:  "local full form",
			kind:  KindLocal,
			input: "127.0.0.2:8080:10.0.0.5:22",
			want:  Spec{Kind: KindLocal, BindAddress: "127.0.0.2", BindPort: 8080, TargetHost: "10.0.0.5", TargetPort: 22},
		},
		{
			name:  "remote with ipv6",
			kind:  KindRemote,
			input: "[::1]:9000:[2001:db8::5]:443",
			want:  Spec{Kind: KindRemote, BindAddress: "::1", BindPort: 9000, TargetHost: "2001:db8::5", TargetPort: 443},
		},
		{
			name:  "remote without target becomes remote dynamic",
			kind:  KindRemote,
			input: "1080",
			want:  Spec{Kind: KindRemoteDynamic, BindAddress: "localhost", BindPort: 1080},
		},
		{
			name:  "surrounding whitespace",
			kind:  KindLocal,
			input: " 2222:localhost:22 ",
			want:  Spec{Kind: KindLocal, BindAddress: "localhost", BindPort: 2222, TargetHost: "localhost", TargetPort: 22},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.kind, tc.input)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tc.input, err)
			}
			if got != tc.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		input string
	}{
		{"empty", KindLocal, ""},
		{"zero port", KindLocal, "0"},
		{"port too large", KindLocal, "70000"},
		{"not a port", KindLocal, "http"},
		{"zero target port", KindLocal, "8080:example.com:0"},
		{"dynamic with target", KindDynamic, "1080:example.com:80"},
		{"too many fields", KindLocal, "a:1:b:2:c"},
		{"bare ipv6", KindLocal, "::1:8080:host:80"},
		{"unclosed bracket", KindLocal, "[::1:8080"},
		{"bad bracket content", KindLocal, "[nope]:8080"},
		{"bad host", KindLocal, "8080:bad_host!:80"},
		{"host label starts with dash", KindLocal, "8080:-bad.example:80"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.kind, tc.input); !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Parse(%q) error = %v, want %v", tc.input, err, ErrInvalidSpec)
			}
		})
	}
}

func TestSpec_Addresses(t *testing.T) {
	s := Spec{Kind: KindLocal, BindAddress: "::1", BindPort: 8080, TargetHost: "2001:db8::1", TargetPort: 80}

	if got, want := s.BindAddr(), "[::1]:8080"; got != want {
		t.Errorf("BindAddr() = %q, want %q", got, want)
	}
	if got, want := s.Target(), "[2001:db8::1]:80"; got != want {
		t.Errorf("Target() = %q, want %q", got, want)
	}
	if got, want := s.String(), "local [::1]:8080 -> [2001:db8::1]:80"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	d := Spec{Kind: KindDynamic, BindAddress: "localhost", BindPort: 1080}
	if d.Target() != "" {
		t.Errorf("dynamic Target() = %q, want empty", d.Target())
	}
	if got, want := d.String(), "dynamic localhost:1080 socks"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestSpec_Predicates(t *testing.T) {
	tests := []struct {
		kind             Kind
		reverse, dynamic bool
	}{
		{KindLocal, false, false},
		{KindRemote, true, false},
		{KindDynamic, false, true},
		{KindRemoteDynamic, true, true},
	}

	for _, tc := range tests {
		s := Spec{Kind: tc.kind}
		if s.Reverse() != tc.reverse {
			t.Errorf("%s Reverse() = %v, want %v", tc.kind, s.Reverse(), tc.reverse)
		}
		if s.Dynamic() != tc.dynamic {
			t.Errorf("%s Dynamic() = %v, want %v", tc.kind, s.Dynamic(), tc.dynamic)
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		input string
		want  Kind
	}{
		{"local", KindLocal},
		{"L", KindLocal},
		{"remote", KindRemote},
		{"Dynamic", KindDynamic},
		{"socks", KindDynamic},
		{"remote-dynamic", KindRemoteDynamic},
	}
	for _, tc := range tests {
		got, err := ParseKind(tc.input)
		if err != nil {
			t.Errorf("ParseKind(%q) error = %v", tc.input, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseKind(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}

	if _, err := ParseKind("sideways"); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("ParseKind(sideways) error = %v, want %v", err, ErrInvalidSpec)
	}
}
