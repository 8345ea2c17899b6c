package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "gspd", "daemon":
		return daemonTemplate, nil
	case "gspctl", "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "gspd"
http_addr = ":7080"
tcp_addr = ":7070"
cors_origins = ["http://localhost:3000"]
# token = "change-me"
# public_url = "http://127.0.0.1:7080"
data_root = "~/gsp-data"
cache_capacity = 1024
fetch_timeout = "30s"
max_sessions = 64

[transport]
security_mode = "development"
handshake_timeout = "5s"
read_timeout = "30s"
write_timeout = "30s"

[transport.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[ssh]
enabled = false
user = ""
key_path = "~/.ssh/id_ed25519"
known_hosts_path = "~/.ssh/known_hosts"
timeout = "10s"
`

const clientTemplate = `addr = "127.0.0.1:7070"
http_url = "http://127.0.0.1:7080"
producer_id = "gspctl"
# token = "change-me"

[transport]
security_mode = "development"
connect_timeout = "5s"
ack_timeout = "20s"
max_attempts = 5

[transport.tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""
server_name = ""
`
