package proxy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// commaRE matches digit groups of a reversed number, decimal tail
// included, so the comma filter can rejoin them thousands-first.
var commaRE = regexp.MustCompile(`(?:\d*\.)?\d{1,3}-?`)

// specialize evaluates one template directive against the per-request
// dictionary table. Syntax: command target arg1 .. argn [| filter ..].
// A directive that cannot be parsed comes back unchanged.
func (h *Handler) specialize(expr string, dicts map[string]dict) string {
	expr = strings.TrimSpace(expr)
	parts := strings.Fields(expr)
	if len(parts) < 2 {
		h.mailer.Error(fmt.Sprintf("Could not parse expression: [%s]", expr))
		return expr
	}
	command, target := strings.ToLower(parts[0]), strings.ToLower(parts[1])

	var args, filters []string
	inFilters := false
	for _, arg := range parts[2:] {
		switch {
		case arg == "|":
			inFilters = true
		case inFilters:
			filters = append(filters, arg)
		default:
			args = append(args, arg)
		}
	}

	d := dicts[target]
	if d == nil {
		d = mapDict{}
	}

	var out string
	switch {
	case command == "get" && len(args) >= 1:
		out = d.Get(args[0])
		if out == "" && len(args) >= 2 {
			out = args[1]
		}

	case command == "pop" && len(args) >= 1:
		out = d.Get(args[0])
		if out == "" {
			if len(args) >= 2 {
				out = args[1]
			}
		} else if err := h.store.Mutate("pop_delete", target, args[0]); err != nil {
			h.mailer.Error(fmt.Sprintf("Data store is missing %s_delete", command))
		}

	case command == "if" && len(args) >= 2:
		if d.Get(args[0]) != "" {
			out = args[1]
		} else if len(args) >= 3 {
			out = args[2]
		}

	case command == "unless" && len(args) >= 2:
		if d.Get(args[0]) == "" {
			out = args[1]
		} else if len(args) >= 3 {
			out = args[2]
		}

	case (command == "incr" || command == "decr") && len(args) >= 1:
		if !h.store.HasMutator(command, target) || !h.store.HasMutator("set", target) {
			h.mailer.Error(fmt.Sprintf("Data store is missing %s_%s or set_%s", command, target, target))
			break
		}
		if value := d.Get(args[0]); value != "" {
			if err := h.store.Mutate(command, target, args[0]); err == nil {
				if n, aerr := strconv.Atoi(value); aerr == nil {
					if command == "incr" {
						n++
					} else {
						n--
					}
					d.Set(args[0], strconv.Itoa(n))
				}
			}
		} else if len(args) >= 2 {
			h.store.Mutate("set", target, args[0], args[1])
			d.Set(args[0], args[1])
		}

	default:
		log.Infof("Invalid command: %s", command)
		out = expr
	}

	return applyFilters(out, filters)
}

// applyFilters runs each filter in order; unknown filters pass through.
func applyFilters(value string, filters []string) string {
	for _, filter := range filters {
		switch filter {
		case "js":
			value = strings.NewReplacer(
				`\`, `\\`,
				`'`, `\'`,
				`"`, `\"`,
			).Replace(value)
		case "html":
			value = strings.NewReplacer(
				"&", "&amp;",
				"<", "&lt;",
				">", "&gt;",
			).Replace(value)
		case "comma":
			value = commaFilter(value)
		}
	}
	return value
}

// commaFilter inserts thousands separators: reverse, group up to three
// digits keeping any decimal prefix, rejoin, reverse back.
func commaFilter(value string) string {
	groups := commaRE.FindAllString(reverse(value), -1)
	return reverse(strings.Join(groups, ","))
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
