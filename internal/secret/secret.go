// Package secret parses and resolves secret strings embedded in remote
// server and callback configuration: plain text interleaved with
// ${env:VAR}, ${keychain:KEY}, and ${command:shell command} references that
// are resolved lazily, only when a connection actually needs the value.
package secret

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/codemode-dev/codemode/internal/errorkind"
)

// Kind identifies how a Part's value is obtained.
type Kind int

const (
	// KindPlain is a literal string segment.
	KindPlain Kind = iota
	// KindEnv resolves from an environment variable.
	KindEnv
	// KindKeychain resolves from the OS-native secret store.
	KindKeychain
	// KindCommand resolves by running a shell command and taking its
	// trimmed stdout.
	KindCommand
)

// Part is one segment of a parsed String: either literal text or a
// reference to resolve at connect time.
type Part struct {
	Kind  Kind
	Value string // literal text for KindPlain, the var/key/command for others
}

// String is a sequence of Parts, parsed once and resolved on demand. The
// zero value is an empty plain string.
type String struct {
	parts []Part
}

// Plain wraps a literal string with no embedded secrets.
func Plain(s string) String {
	return String{parts: []Part{{Kind: KindPlain, Value: s}}}
}

// Parse parses raw for ${env:...}, ${keychain:...}, and ${command:...}
// references interleaved with literal text. A bare ${NAME} defaults to
// ${env:NAME}. Returns a *errorkind.Error with Kind BadSchema on malformed
// input (unclosed or unmatched braces, empty reference, unknown prefix).
func Parse(raw string) (String, error) {
	var parts []Part
	var plain strings.Builder

	runes := []rune(raw)
	i := 0
	for i < len(runes) {
		ch := runes[i]
		switch {
		case ch == '$' && i+1 < len(runes) && runes[i+1] == '{':
			if plain.Len() > 0 {
				parts = append(parts, Part{Kind: KindPlain, Value: plain.String()})
				plain.Reset()
			}
			start := i
			i += 2
			var content strings.Builder
			closed := false
			for i < len(runes) {
				if runes[i] == '}' {
					closed = true
					break
				}
				content.WriteRune(runes[i])
				i++
			}
			if !closed {
				return String{}, errorkind.New(errorkind.BadSchema, "secret string: unclosed '${' at position %d", start)
			}
			i++ // consume '}'
			part, err := parseReference(content.String(), start)
			if err != nil {
				return String{}, err
			}
			parts = append(parts, part)
		case ch == '}':
			return String{}, errorkind.New(errorkind.BadSchema, "secret string: unmatched '}' at position %d", i)
		default:
			plain.WriteRune(ch)
			i++
		}
	}
	if plain.Len() > 0 {
		parts = append(parts, Part{Kind: KindPlain, Value: plain.String()})
	}
	if len(parts) == 0 {
		parts = append(parts, Part{Kind: KindPlain, Value: ""})
	}
	return String{parts: parts}, nil
}

func parseReference(content string, pos int) (Part, error) {
	if strings.TrimSpace(content) == "" {
		return Part{}, errorkind.New(errorkind.BadSchema, "secret string: empty reference '${}' at position %d", pos)
	}
	prefix, value, hasPrefix := strings.Cut(content, ":")
	if !hasPrefix {
		name := strings.TrimSpace(content)
		if name == "" {
			return Part{}, errorkind.New(errorkind.BadSchema, "secret string: empty reference value at position %d", pos)
		}
		return Part{Kind: KindEnv, Value: name}, nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return Part{}, errorkind.New(errorkind.BadSchema, "secret string: empty reference value at position %d", pos)
	}
	switch strings.TrimSpace(prefix) {
	case "env":
		return Part{Kind: KindEnv, Value: value}, nil
	case "keychain":
		return Part{Kind: KindKeychain, Value: value}, nil
	case "command":
		return Part{Kind: KindCommand, Value: value}, nil
	default:
		return Part{}, errorkind.New(errorkind.BadSchema, "secret string: unknown reference type %q at position %d", strings.TrimSpace(prefix), pos)
	}
}

// Parts returns the parsed segments, in order.
func (s String) Parts() []Part { return s.parts }

// HasSecrets reports whether any part references an external secret.
func (s String) HasSecrets() bool {
	for _, p := range s.parts {
		if p.Kind != KindPlain {
			return true
		}
	}
	return false
}

// String renders the unresolved form, with references re-rendered as
// ${kind:value}, suitable for logging without leaking resolved secrets.
func (s String) String() string {
	var b strings.Builder
	for _, p := range s.parts {
		switch p.Kind {
		case KindPlain:
			b.WriteString(p.Value)
		case KindEnv:
			fmt.Fprintf(&b, "${env:%s}", p.Value)
		case KindKeychain:
			fmt.Fprintf(&b, "${keychain:%s}", p.Value)
		case KindCommand:
			fmt.Fprintf(&b, "${command:%s}", p.Value)
		}
	}
	return b.String()
}

// Resolve concatenates every part, resolving references against their
// source. It is called lazily, at connect time, never at configuration
// load time.
func (s String) Resolve(ctx context.Context) (string, error) {
	var b strings.Builder
	for _, p := range s.parts {
		switch p.Kind {
		case KindPlain:
			b.WriteString(p.Value)
		case KindEnv:
			v, ok := os.LookupEnv(p.Value)
			if !ok {
				return "", errorkind.New(errorkind.TransportFailure, "environment variable %q is not set", p.Value)
			}
			b.WriteString(v)
		case KindKeychain:
			v, err := resolveKeychain(ctx, p.Value)
			if err != nil {
				return "", errorkind.Wrap(errorkind.TransportFailure, err, "keychain lookup for %q failed", p.Value)
			}
			b.WriteString(v)
		case KindCommand:
			v, err := resolveCommand(ctx, p.Value)
			if err != nil {
				return "", errorkind.Wrap(errorkind.TransportFailure, err, "auth command failed: %s", p.Value)
			}
			b.WriteString(v)
		}
	}
	return b.String(), nil
}

func resolveCommand(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(out))
	if token == "" {
		return "", fmt.Errorf("command produced no output")
	}
	return token, nil
}

// resolveKeychain shells out to the platform-native secret store CLI,
// since no Go keychain binding is part of the dependency set. The service
// name "codemode" groups every entry this process may create.
func resolveKeychain(ctx context.Context, key string) (string, error) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "security", "find-generic-password", "-s", "codemode", "-a", key, "-w")
	case "linux":
		cmd = exec.CommandContext(ctx, "secret-tool", "lookup", "service", "codemode", "account", key)
	default:
		return "", fmt.Errorf("keychain secrets are not supported on %s", runtime.GOOS)
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("keychain entry %q not found: %w", key, err)
	}
	return strings.TrimSpace(string(out)), nil
}
