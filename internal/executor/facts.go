package executor

import (
	"strconv"
	"strings"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

// factsScript prints one key=value pair per line.
const factsScript = `echo "cpu=$(nproc 2>/dev/null || grep -c ^processor /proc/cpuinfo)"
echo "memory_kb=$(awk '/^MemTotal:/ {print $2}' /proc/meminfo 2>/dev/null)"
if command -v lsb_release >/dev/null 2>&1; then
  echo "distribution=$(lsb_release -ds 2>/dev/null | tr -d '"')"
else
  echo "distribution=$(. /etc/os-release 2>/dev/null && echo "$PRETTY_NAME")"
fi
echo "kernel=$(uname -r)"
echo "ip=$(hostname -I 2>/dev/null | awk '{print $1}')"`

// ParseFacts reads the output of the facts script. Memory is reported in
// whole megabytes as "<N>MB".
func ParseFacts(lines []string) models.Facts {
	var f models.Facts
	for _, line := range lines {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "cpu":
			f.CPU = value
		case "memory_kb":
			if kb, err := strconv.ParseInt(value, 10, 64); err == nil {
				f.Memory = strconv.FormatInt(kb/1024, 10) + "MB"
			}
		case "distribution":
			f.Distribution = value
		case "kernel":
			f.Kernel = value
		case "ip":
			f.IPAddress = value
		}
	}
	return f
}
