package web

import (
	"github.com/deemkeen/cardfed/util"
)

const nodeInfoSchema = "http://nodeinfo.diaspora.software/ns/schema/"

var nodeInfoVersions = []string{"2.0", "2.1"}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type NodeInfoDiscovery struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

type NodeInfoUsers struct {
	Total int `json:"total"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfo struct {
	Version           string                 `json:"version"`
	Software          NodeInfoSoftware       `json:"software"`
	Protocols         []string               `json:"protocols"`
	Services          NodeInfoServices       `json:"services"`
	OpenRegistrations bool                   `json:"openRegistrations"`
	Usage             NodeInfoUsage          `json:"usage"`
	Metadata          map[string]interface{} `json:"metadata"`
}

func GetNodeInfoDiscovery(fed *util.Federation) NodeInfoDiscovery {
	d := NodeInfoDiscovery{}
	for _, v := range nodeInfoVersions {
		d.Links = append(d.Links, NodeInfoLink{
			Rel:  nodeInfoSchema + v,
			Href: fed.BaseURL() + "/nodeinfo/" + v,
		})
	}
	return d
}

// GetNodeInfo reports synced cards as local posts. The instance actor is the
// only user.
func GetNodeInfo(version string, conf *util.AppConfig, cards int) (*NodeInfo, bool) {
	switch version {
	case "2.0", "2.1":
	default:
		return nil, false
	}

	software := NodeInfoSoftware{Name: util.Name, Version: util.GetVersion()}
	if version == "2.1" {
		software.Repository = "https://github.com/deemkeen/cardfed"
	}

	return &NodeInfo{
		Version:   version,
		Software:  software,
		Protocols: []string{"activitypub"},
		Services:  NodeInfoServices{Inbound: []string{}, Outbound: []string{}},
		Usage: NodeInfoUsage{
			Users:      NodeInfoUsers{Total: 1},
			LocalPosts: cards,
		},
		Metadata: map[string]interface{}{
			"nodeName":   conf.Conf.SslDomain,
			"strictMode": conf.Conf.StrictMode,
		},
	}, true
}
