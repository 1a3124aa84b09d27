package firewall

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseRule parses one "-A <chain> ..." line of iptables -S output.
// Options the Rule type does not model, and every negated option, are kept
// verbatim in Extra so that such rules never compare equal to ours.
func ParseRule(line string) (chain string, r Rule, err error) {
	tokens, err := splitArgs(line)
	if err != nil {
		return "", Rule{}, err
	}
	if len(tokens) < 2 || tokens[0] != "-A" {
		return "", Rule{}, fmt.Errorf("not a rule line: %q", line)
	}
	chain = tokens[1]
	toks := tokens[2:]

	next := func(i *int, opt string) (string, error) {
		if *i+1 >= len(toks) {
			return "", fmt.Errorf("option %s missing value in %q", opt, line)
		}
		*i++
		return toks[*i], nil
	}

	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if tok == "!" {
			i = copyOption(toks, i, &r.Extra)
			continue
		}

		var val string
		switch tok {
		case "-m", "--match":
			// Module names are implied by the options that follow, except
			// for modules we do not model.
			if val, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
			if !knownModules[val] {
				r.Extra = append(r.Extra, tok, val)
			}
		case "-s", "--source":
			if r.Source, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "-d", "--destination":
			if r.Destination, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "-o", "--out-interface":
			if r.OutInterface, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "-p", "--protocol":
			if r.Protocol, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "--sport", "--source-port":
			if val, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
			if r.SourcePort, err = parsePort(val); err != nil {
				return "", Rule{}, err
			}
		case "--dport", "--destination-port":
			if val, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
			if r.DestPort, err = parsePort(val); err != nil {
				return "", Rule{}, err
			}
		case "--icmpv6-type":
			if r.ICMPv6Type, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "--ctstate", "--state":
			if val, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
			r.CTStates = strings.Split(val, ",")
		case "--match-set":
			if r.MatchSet, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
			if r.SetDirection, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "--mac-source":
			if r.MACSource, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "--physdev-in":
			if r.PhysDevIn, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "--physdev-out":
			if r.PhysDevOut, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "--physdev-is-bridged":
			r.PhysDevBridged = true
		case "-j", "--jump":
			if r.Target, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		case "--to-destination":
			if r.ToDestination, err = next(&i, tok); err != nil {
				return "", Rule{}, err
			}
		default:
			i = copyOption(toks, i, &r.Extra)
		}
	}
	return chain, r, nil
}

var knownModules = map[string]bool{
	"tcp":       true,
	"udp":       true,
	"icmp6":     true,
	"conntrack": true,
	"state":     true,
	"set":       true,
	"mac":       true,
	"physdev":   true,
}

// copyOption appends the option starting at toks[i] (including a leading
// "!") and its values to dst, returning the index of its last token.
func copyOption(toks []string, i int, dst *[]string) int {
	*dst = append(*dst, toks[i])
	if toks[i] == "!" && i+1 < len(toks) {
		i++
		*dst = append(*dst, toks[i])
	}
	for i+1 < len(toks) && !strings.HasPrefix(toks[i+1], "-") && toks[i+1] != "!" {
		i++
		*dst = append(*dst, toks[i])
	}
	return i
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

// splitArgs splits an iptables -S line into tokens, honouring the double
// quotes iptables uses around comments.
func splitArgs(line string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inQuote bool
		escaped bool
		started bool
	)
	for _, c := range line {
		switch {
		case escaped:
			cur.WriteRune(c)
			escaped = false
		case c == '\\' && inQuote:
			escaped = true
		case c == '"':
			inQuote = !inQuote
			started = true
		case (c == ' ' || c == '\t') && !inQuote:
			if started {
				tokens = append(tokens, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(c)
			started = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if started {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
