package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// netrcKey returns the password stored for the API host in ~/.netrc (or
// $NETRC), which is where `wandb login` writes the key.
func netrcKey(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	path := os.Getenv("NETRC")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		path = filepath.Join(home, ".netrc")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return parseNetrc(string(data), u.Hostname())
}

func parseNetrc(data, host string) string {
	fields := strings.Fields(data)
	var machine, password string
	inDefault := false
	var fallback string
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "machine":
			if machine == host && password != "" {
				return password
			}
			machine, password, inDefault = "", "", false
			if i+1 < len(fields) {
				machine = fields[i+1]
				i++
			}
		case "default":
			if machine == host && password != "" {
				return password
			}
			machine, password, inDefault = "", "", true
		case "password":
			if i+1 < len(fields) {
				if inDefault {
					fallback = fields[i+1]
				} else {
					password = fields[i+1]
				}
				i++
			}
		case "login", "account":
			i++
		}
	}
	if machine == host && password != "" {
		return password
	}
	return fallback
}
