package inventory

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// parsed is the result of reading one inventory file.
type parsed struct {
	hosts    []Host
	globals  Vars
	warnings []string
}

// parseFile dispatches to the INI or YAML parser based on extension/content.
func parseFile(path string) (*parsed, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied inventory path
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	trimmed := strings.TrimSpace(string(data))
	if ext == ".yml" || ext == ".yaml" || strings.HasPrefix(trimmed, "---") || strings.HasPrefix(trimmed, "all:") {
		return parseYAML(data)
	}
	return parseINI(string(data), path)
}

// --- INI inventory ---

// parseINI parses an Ansible INI inventory. Handles [group], host lines with
// inline vars, [group:vars] and [group:children]. [all:vars] become the
// global defaults.
func parseINI(content, path string) (*parsed, error) {
	var (
		entries       []Host
		warnings      []string
		currentGroup  string
		sectionType   string // "", "vars", "children"
		groupVars     = make(map[string]Vars)
		groupChildren = make(map[string][]string)
		groupHosts    = make(map[string][]string)
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section := line[1 : len(line)-1]
			switch {
			case strings.HasSuffix(section, ":vars"):
				currentGroup = strings.TrimSuffix(section, ":vars")
				sectionType = "vars"
			case strings.HasSuffix(section, ":children"):
				currentGroup = strings.TrimSuffix(section, ":children")
				sectionType = "children"
			default:
				currentGroup = section
				sectionType = ""
			}
			continue
		}

		switch sectionType {
		case "vars":
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				warnings = append(warnings, fmt.Sprintf("%s:%d: ignoring var line without '='", path, lineNo))
				continue
			}
			if groupVars[currentGroup] == nil {
				groupVars[currentGroup] = make(Vars)
			}
			groupVars[currentGroup][strings.TrimSpace(k)] = unquote(strings.TrimSpace(v))
		case "children":
			groupChildren[currentGroup] = append(groupChildren[currentGroup], line)
		default:
			h := parseHostLine(line, currentGroup)
			entries = append(entries, h)
			if currentGroup != "" {
				groupHosts[currentGroup] = append(groupHosts[currentGroup], h.Name)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	// Hosts in child groups also belong to the parent.
	for {
		changed := false
		for parent, children := range groupChildren {
			for _, child := range children {
				for _, name := range groupHosts[child] {
					if !contains(groupHosts[parent], name) {
						groupHosts[parent] = append(groupHosts[parent], name)
						changed = true
					}
				}
			}
		}
		if !changed {
			break
		}
	}

	hosts := mergeEntries(entries)
	for i := range hosts {
		for group, names := range groupHosts {
			if contains(names, hosts[i].Name) && !contains(hosts[i].Groups, group) {
				hosts[i].Groups = append(hosts[i].Groups, group)
			}
		}
		sort.Strings(hosts[i].Groups)

		// Group vars never override host vars.
		for _, g := range hosts[i].Groups {
			for k, v := range groupVars[g] {
				if _, exists := hosts[i].Vars[k]; !exists {
					hosts[i].Vars[k] = v
				}
			}
		}
		hosts[i].Address = addressOf(hosts[i])
	}

	globals := make(Vars)
	for k, v := range groupVars["all"] {
		globals[k] = v
	}
	return &parsed{hosts: hosts, globals: globals, warnings: warnings}, nil
}

func parseHostLine(line, group string) Host {
	fields := strings.Fields(line)
	h := Host{Name: fields[0], Vars: make(Vars)}
	if group != "" {
		h.Groups = []string{group}
	}
	for _, field := range fields[1:] {
		if k, v, ok := strings.Cut(field, "="); ok {
			h.Vars[k] = unquote(v)
		}
	}
	return h
}

// mergeEntries folds repeated host lines (a host listed in several groups)
// into one Host, keeping first-seen order.
func mergeEntries(entries []Host) []Host {
	index := make(map[string]int)
	var hosts []Host
	for _, e := range entries {
		i, ok := index[e.Name]
		if !ok {
			index[e.Name] = len(hosts)
			hosts = append(hosts, e)
			continue
		}
		for _, g := range e.Groups {
			if !contains(hosts[i].Groups, g) {
				hosts[i].Groups = append(hosts[i].Groups, g)
			}
		}
		for k, v := range e.Vars {
			hosts[i].Vars[k] = v
		}
	}
	return hosts
}

// --- YAML inventory ---

type yamlInventory struct {
	All yamlGroup `yaml:"all"`
}

type yamlGroup struct {
	Hosts    map[string]map[string]string `yaml:"hosts"`
	Children map[string]yamlGroup         `yaml:"children"`
	Vars     map[string]string            `yaml:"vars"`
}

func parseYAML(data []byte) (*parsed, error) {
	var inv yamlInventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing YAML inventory: %w", err)
	}

	var entries []Host
	walkYAMLGroup(inv.All, nil, nil, &entries)
	hosts := mergeEntries(entries)
	for i := range hosts {
		sort.Strings(hosts[i].Groups)
		hosts[i].Address = addressOf(hosts[i])
	}

	globals := make(Vars)
	for k, v := range inv.All.Vars {
		globals[k] = v
	}
	return &parsed{hosts: hosts, globals: globals}, nil
}

// walkYAMLGroup collects hosts below group. path holds the enclosing group
// names, excluding the implicit "all".
func walkYAMLGroup(group yamlGroup, path []string, parentVars Vars, entries *[]Host) {
	merged := make(Vars, len(parentVars)+len(group.Vars))
	for k, v := range parentVars {
		merged[k] = v
	}
	for k, v := range group.Vars {
		merged[k] = v
	}

	// Sorted for a deterministic host order.
	names := make([]string, 0, len(group.Hosts))
	for hostname := range group.Hosts {
		names = append(names, hostname)
	}
	sort.Strings(names)

	for _, hostname := range names {
		h := Host{Name: hostname, Vars: make(Vars), Groups: append([]string(nil), path...)}
		for k, v := range merged {
			h.Vars[k] = v
		}
		for k, v := range group.Hosts[hostname] {
			h.Vars[k] = v
		}
		*entries = append(*entries, h)
	}

	children := make([]string, 0, len(group.Children))
	for child := range group.Children {
		children = append(children, child)
	}
	sort.Strings(children)
	for _, child := range children {
		childPath := append(append([]string(nil), path...), child)
		walkYAMLGroup(group.Children[child], childPath, merged, entries)
	}
}

func addressOf(h Host) string {
	if addr := h.Vars["ansible_host"]; addr != "" {
		return addr
	}
	return h.Name
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
