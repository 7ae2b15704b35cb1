package worker

import "strings"

// Classifier buckets a page into a knowledge topic by keyword hits over its
// title and content. Title hits weigh double since titles are short and
// deliberate.
type Classifier struct {
	keywords map[string][]string
}

// NewClassifier builds the default topic map.
func NewClassifier() *Classifier {
	return &Classifier{
		keywords: map[string][]string{
			"linux":               {"linux", "ubuntu", "centos", "debian", "kernel", "bash", "systemd"},
			"networking":          {"network", "tcp", "udp", "ip", "routing", "firewall", "vpn", "subnet"},
			"mysql":               {"mysql", "mariadb", "database", "sql", "innodb", "replication"},
			"apache":              {"apache", "httpd", "nginx", "web server", "virtual host", "htaccess"},
			"security":            {"security", "encryption", "ssl", "tls", "certificate", "authentication"},
			"dns":                 {"dns", "domain", "nameserver", "bind", "resolver", "zone"},
			"vmware":              {"vmware", "esxi", "vsphere", "virtual machine", "hypervisor"},
			"cloud":               {"cloud", "aws", "azure", "kubernetes", "docker", "container"},
			"email":               {"email", "smtp", "imap", "pop3", "postfix", "exchange", "spam"},
			"web_troubleshooting": {"error", "troubleshoot", "debug", "fix", "502", "503", "504"},
			"vulnerabilities":     {"vulnerability", "cve", "exploit", "patch", "zero-day", "attack"},
		},
	}
}

// Classify returns the best matching topic, or "general" when nothing hits.
func (c *Classifier) Classify(title, content string) string {
	title = strings.ToLower(title)
	content = strings.ToLower(content)

	best := "general"
	bestScore := 0
	for topic, words := range c.keywords {
		score := 0
		for _, word := range words {
			score += strings.Count(title, word) * 2
			score += strings.Count(content, word)
		}
		if score > bestScore {
			best = topic
			bestScore = score
		}
	}
	return best
}
