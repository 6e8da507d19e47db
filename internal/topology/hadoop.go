// Package topology exports the region layout of managed hosts: as a Hadoop
// rack-awareness map pushed to the hosts, and as a graph in Memgraph.
package topology

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/matijazezelj/tcpanel/pkg/models"
)

// DefaultMapPath is where Hadoop reads its topology map.
const DefaultMapPath = "/etc/hadoop/conf/topology.map"

// Node places one host name or address in a rack.
type Node struct {
	Name string `xml:"name,attr"`
	Rack string `xml:"rack,attr"`
}

type topologyDoc struct {
	XMLName xml.Name `xml:"topology"`
	Nodes   []Node   `xml:"node"`
}

// Rack returns the rack path of a region.
func Rack(regionSlug string) string {
	return "/" + regionSlug + "/default-rack"
}

// Nodes lists every host that has a region twice, once by name and once by
// IP address. Hosts without a region, or whose region is unknown, are left
// out.
func Nodes(hosts []models.Host, regions map[int64]models.Region) []Node {
	var nodes []Node
	for _, h := range hosts {
		if h.RegionID == nil {
			continue
		}
		r, ok := regions[*h.RegionID]
		if !ok {
			continue
		}
		rack := Rack(r.Slug)
		nodes = append(nodes, Node{Name: h.Name, Rack: rack})
		if h.IPAddress != "" && h.IPAddress != h.Name {
			nodes = append(nodes, Node{Name: h.IPAddress, Rack: rack})
		}
	}
	return nodes
}

// RenderMap renders nodes as a topology.map document.
func RenderMap(nodes []Node) (string, error) {
	body, err := xml.MarshalIndent(topologyDoc{Nodes: nodes}, "", "    ")
	if err != nil {
		return "", fmt.Errorf("rendering topology map: %w", err)
	}
	return xml.Header + "<!--Autogenerated by tcpanel-->\n" + string(body) + "\n", nil
}

// PushCommand returns a shell command that writes content to path. The
// heredoc delimiter is quoted so the content is written verbatim.
func PushCommand(path, content string) (string, error) {
	if path == "" {
		path = DefaultMapPath
	}
	if strings.Contains(content, "\nTOPOLOGY_EOF\n") {
		return "", fmt.Errorf("topology map contains the heredoc delimiter")
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	dir := path[:strings.LastIndex(path, "/")+1]
	cmd := "cat > " + shellQuote(path) + " << 'TOPOLOGY_EOF'\n" + content + "TOPOLOGY_EOF"
	if dir != "" && dir != "/" {
		cmd = "mkdir -p " + shellQuote(dir) + " && " + cmd
	}
	return cmd, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
