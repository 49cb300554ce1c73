package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter file for kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "daemon", "edgekvd":
		return daemonTemplate, nil
	case "accounts":
		return accountsTemplate, nil
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

const daemonTemplate = `name = "edgekv"
security_mode = "development"

[[listener]]
name = "plain"
addr = "127.0.0.1:7379"
max_conns = 1024

[[listener]]
name = "compressed"
addr = "127.0.0.1:7380"
compress = true

[limits]
max_line = 4096
max_pending = 256
max_sendq = 1048576
flood_rate = 50.0
flood_burst = 20

[timeouts]
keepalive_interval = "90s"
ping_timeout = "30s"
registration_timeout = "30s"
shutdown_grace = "5s"

[storage]
backend = "badger"
path = "data"
sync_writes = true
gc_interval = "5m"

[auth]
accounts_file = "accounts.toml"
watch = true

[workers]
count = 4
queue_size = 256

[admin]
addr = "127.0.0.1:9380"
cors_origins = ["http://localhost:3000"]

[aliases]
RM = "DEL"

[logging]
level = "info"
`

const accountsTemplate = `# Capabilities: r read, w write, p pub/sub, m monitor, e admin commands.
default_capabilities = "r"

# Hashes come from: edgekvd hash-password
[[account]]
name = "admin"
password_hash = "$2a$10$replace.me.with.a.real.bcrypt.hash.from.hash-password"
admin = true
`
