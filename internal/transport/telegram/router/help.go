package router

import (
	"sort"
	"strings"
)

// helpText renders the command list, or detail for one command.
func (m *Manager) helpText(args []string) string {
	m.mu.RLock()
	cmds := m.cmds
	alias := m.alias
	m.mu.RUnlock()

	if len(args) > 0 {
		word := strings.TrimPrefix(strings.TrimSpace(args[0]), "/")
		if canonical, ok := alias[word]; ok {
			word = canonical
		}
		if c, ok := cmds[word]; ok {
			return helpDetail(c)
		}
		return "unknown command. try /help"
	}

	type row struct {
		name string
		desc string
		lock bool
	}
	rows := make([]row, 0, len(cmds))
	for name, c := range cmds {
		rows = append(rows, row{name: name, desc: c.Description, lock: c.Access == AccessOwnerOnly})
	}
	// Owner-only at the bottom, alphabetical within groups.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock && rows[j].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{"Commands:"}
	for _, r := range rows {
		line := "/" + r.name
		if r.lock {
			line += " (owner)"
		}
		if r.desc != "" {
			line += " - " + r.desc
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "type /help <cmd> for detail")
	return strings.Join(lines, "\n")
}

func helpDetail(c *Command) string {
	lines := []string{"/" + c.Route}
	if c.Description != "" {
		lines = append(lines, c.Description)
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "owner only")
	}
	if c.Usage != "" {
		lines = append(lines, "usage: "+c.Usage)
	}
	if len(c.Aliases) > 0 {
		lines = append(lines, "aliases: /"+strings.Join(c.Aliases, ", /"))
	}
	return strings.Join(lines, "\n")
}
