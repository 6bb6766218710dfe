package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "layout":
		return layoutTemplate, nil
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

const clientTemplate = `client_id = 1
stream_id = 10000
role = "consumer"
consumer_id = 1
control_channel = "tpool:control"
control_stream_id = 1000
response_stream_id = 1001
descriptor_channel = "tpool:data"
descriptor_stream_id = 2000
qos_channel = "tpool:qos"
qos_stream_id = 3000
metadata_stream_id = 3001
attach_timeout = "5s"
keepalive_interval = "1s"
qos_interval = "1s"
announce_interval = "1s"
hugepages_supported = false
admin_addr = ":9400"
`

const layoutTemplate = `dir = "regions"
stream_id = 10000
epoch = 1
layout_version = 1
header_nslots = 64
header_slot_bytes = 256

[[pools]]
id = 1
stride_bytes = 4096
`
