package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "controller":
		return controllerTemplate, nil
	case "responder":
		return responderTemplate, nil
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

const controllerTemplate = `name = "controller"
http_addr = ":9300"
transport = "tcp"
link_addr = "127.0.0.1:9400"
pairing_token = ""
cors_origins = ["http://localhost:3000"]

[tls]
enabled = false
mutual = false
ca_file = ""
cert_file = ""
key_file = ""

[queue]
backend = "sqlite"
sqlite_path = "local/vibrolink-queue.db"

[session]
reconnect_delay = "2s"
queued_grace_period = "3s"
ack_timeout = "10s"
`

const responderTemplate = `name = "responder"
http_addr = ":9310"
transport = "tcp"
link_addr = ":9400"
pairing_token = ""
# vibroctl hash-token <secret>
pairing_token_hash = ""
cors_origins = ["http://localhost:3000"]

[tls]
enabled = false
mutual = false
cert_file = ""
key_file = ""
ca_file = ""

[queue]
backend = "sqlite"
sqlite_path = "local/vibrolink-queue.db"

[liveness]
enabled = true
reason = "receive vibrate commands in the background"
lease_seconds = 0

[effect]
command = []
timeout_seconds = 2

[session]
reconnect_delay = "2s"
status_reset_delay = "2s"
secondary_pulse_delay = "250ms"
`
