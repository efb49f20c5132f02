// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package module

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseCommand parses a command given either as a JSON envelope
// {"module":"core","method":"ota","args":["ssid","pw","url"]} or in call
// syntax core.ota("ssid", "pw", "url"). A bare module name reads its output.
// Arguments are literals only: numbers, quoted strings, true and false.
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "{") {
		var cmd Command
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return Command{}, fmt.Errorf("invalid command envelope: %w", err)
		}
		if cmd.Module == "" {
			return Command{}, fmt.Errorf("invalid command envelope: module is required")
		}
		return cmd, nil
	}

	open := strings.IndexByte(text, '(')
	if open < 0 {
		if !isIdent(text) {
			return Command{}, fmt.Errorf("invalid command %q", text)
		}
		return Command{Module: text}, nil
	}
	if !strings.HasSuffix(text, ")") {
		return Command{}, fmt.Errorf("invalid command %q: missing ')'", text)
	}
	target := text[:open]
	dot := strings.IndexByte(target, '.')
	if dot < 0 || !isIdent(target[:dot]) || !isIdent(target[dot+1:]) {
		return Command{}, fmt.Errorf("invalid call target %q", target)
	}
	args, err := parseArgs(text[open+1 : len(text)-1])
	if err != nil {
		return Command{}, err
	}
	return Command{Module: target[:dot], Method: target[dot+1:], Args: args}, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func parseArgs(s string) ([]Value, error) {
	var args []Value
	s = strings.TrimSpace(s)
	for s != "" {
		var (
			tok string
			err error
		)
		if s[0] == '"' {
			tok, s, err = cutQuoted(s)
			if err != nil {
				return nil, err
			}
		} else if i := strings.IndexByte(s, ','); i >= 0 {
			tok, s = s[:i], s[i:]
		} else {
			tok, s = s, ""
		}

		v, err := parseLiteral(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		args = append(args, v)

		s = strings.TrimSpace(s)
		if s == "" {
			break
		}
		if s[0] != ',' {
			return nil, fmt.Errorf("expected ',' before %q", s)
		}
		s = strings.TrimSpace(s[1:])
		if s == "" {
			return nil, fmt.Errorf("trailing ',' in argument list")
		}
	}
	return args, nil
}

// cutQuoted splits a leading Go-style quoted string from s.
func cutQuoted(s string) (tok, rest string, err error) {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return s[:i+1], s[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("unterminated string %s", s)
}

func parseLiteral(tok string) (Value, error) {
	switch {
	case tok == "true":
		return Bool(true), nil
	case tok == "false":
		return Bool(false), nil
	case strings.HasPrefix(tok, `"`):
		s, err := strconv.Unquote(tok)
		if err != nil {
			return Value{}, fmt.Errorf("invalid string %s: %w", tok, err)
		}
		return String(s), nil
	}
	if i, err := strconv.ParseInt(tok, 0, 64); err == nil {
		return Int(i), nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return Number(f), nil
	}
	return Value{}, fmt.Errorf("unsupported argument %q", tok)
}
